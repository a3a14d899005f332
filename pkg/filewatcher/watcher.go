// Package filewatcher reports debounced file changes in a set of directories.
package filewatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrStarted is returned by Start on a watcher that is already running.
var ErrStarted = errors.New("filewatcher: already started")

// FileWatcher watches directories for writes to matching files. Editors
// often write a file several times in a row; a change is reported once the
// file has been quiet for the debounce period.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	patterns []string
	logger   *slog.Logger
	debounce time.Duration

	callbacksMu sync.RWMutex
	callbacks   []func(string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	started bool
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a new FileWatcher
func New(opts ...Option) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatcher: %w", err)
	}

	fw := &FileWatcher{
		watcher:  watcher,
		dirs:     []string{"."},
		patterns: []string{"*"},
		logger:   slog.Default(),
		debounce: 300 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw, nil
}

// AddCallback adds a callback to be called with the path of each changed file
func (fw *FileWatcher) AddCallback(callback func(string)) {
	fw.callbacksMu.Lock()
	defer fw.callbacksMu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Start starts watching for file changes
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.started {
		return ErrStarted
	}
	for _, dir := range fw.dirs {
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", dir, err)
		}
		fw.logger.Info("watching directory", "dir", dir, "patterns", fw.patterns)
	}
	fw.started = true
	fw.wg.Add(1)
	go fw.watchLoop()
	return nil
}

// Stop stops watching and drops changes still waiting out the debounce.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	fw.stopped = true
	for file, t := range fw.pending {
		t.Stop()
		delete(fw.pending, file)
	}
	fw.mu.Unlock()

	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()
	return err
}

func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && fw.matchesPattern(event.Name) {
				fw.schedule(event.Name)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("watcher error", "error", err)
		}
	}
}

// schedule (re)arms the debounce timer for file.
func (fw *FileWatcher) schedule(file string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped {
		return
	}
	if t, ok := fw.pending[file]; ok {
		t.Reset(fw.debounce)
		return
	}
	fw.pending[file] = time.AfterFunc(fw.debounce, func() { fw.fire(file) })
}

func (fw *FileWatcher) fire(file string) {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return
	}
	delete(fw.pending, file)
	fw.mu.Unlock()

	fw.logger.Info("file changed", "file", file)
	fw.callbacksMu.RLock()
	defer fw.callbacksMu.RUnlock()
	for _, callback := range fw.callbacks {
		callback(file)
	}
}

// matchesPattern checks if a file's base name matches any of the patterns
func (fw *FileWatcher) matchesPattern(file string) bool {
	base := filepath.Base(file)
	for _, pattern := range fw.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			fw.logger.Error("pattern match error", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
