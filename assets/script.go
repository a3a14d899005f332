package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

const jsMediaType = "application/javascript"

// Minify minifies JavaScript source.
func Minify(src []byte) ([]byte, error) {
	m := minify.New()
	m.AddFunc(jsMediaType, js.Minify)
	out, err := m.Bytes(jsMediaType, src)
	if err != nil {
		return nil, fmt.Errorf("minify %s: %w", WidgetScript, err)
	}
	return out, nil
}

// Script serves the widget script, minified once and cached until
// Invalidate is called.
type Script struct {
	dir         string
	minify      bool
	cacheMaxAge int
	logger      *slog.Logger

	mu     sync.Mutex
	cached []byte
	etag   string
}

// ScriptOption configures a Script.
type ScriptOption func(*Script)

// WithDir serves widget.js from dir instead of the embedded copy.
func WithDir(dir string) ScriptOption {
	return func(s *Script) {
		s.dir = dir
	}
}

// WithMinify toggles minification. It is on by default.
func WithMinify(on bool) ScriptOption {
	return func(s *Script) {
		s.minify = on
	}
}

// WithCacheMaxAge sets the Cache-Control max-age in seconds.
func WithCacheMaxAge(seconds int) ScriptOption {
	return func(s *Script) {
		if seconds >= 0 {
			s.cacheMaxAge = seconds
		}
	}
}

func WithLogger(logger *slog.Logger) ScriptOption {
	return func(s *Script) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewScript(opts ...ScriptOption) *Script {
	s := &Script{
		minify:      true,
		cacheMaxAge: 3600,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dir != "" {
		// Files on disk change under the developer; never let browsers cache them.
		s.cacheMaxAge = 0
	}
	return s
}

// Dir returns the directory the script is read from, or "" when embedded.
func (s *Script) Dir() string {
	return s.dir
}

// Bytes returns the served script.
func (s *Script) Bytes() ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, s.etag, nil
	}

	src, err := s.load()
	if err != nil {
		return nil, "", err
	}
	out := src
	if s.minify {
		if out, err = Minify(src); err != nil {
			return nil, "", err
		}
	}
	sum := sha256.Sum256(out)
	s.cached = out
	s.etag = `"` + hex.EncodeToString(sum[:8]) + `"`
	s.logger.Debug("widget script built", "bytes", len(out), "source_bytes", len(src), "minified", s.minify)
	return s.cached, s.etag, nil
}

func (s *Script) load() ([]byte, error) {
	if s.dir == "" {
		return Source()
	}
	return os.ReadFile(filepath.Join(s.dir, WidgetScript))
}

// Invalidate drops the cached script so the next request rebuilds it.
func (s *Script) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.etag = ""
	s.mu.Unlock()
}

func (s *Script) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, etag, err := s.Bytes()
	if err != nil {
		s.logger.Error("serving widget script failed", "error", err)
		http.Error(w, "widget script unavailable", http.StatusInternalServerError)
		return
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", jsMediaType+"; charset=utf-8")
	w.Header().Set("ETag", etag)
	if s.cacheMaxAge > 0 {
		w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(s.cacheMaxAge))
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.Write(data)
}
