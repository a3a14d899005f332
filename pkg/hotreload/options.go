package hotreload

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lightforgemedia/go-supportchat/pkg/filewatcher"
)

// Errors
var (
	ErrNoPublisher   = errors.New("hotreload: no publisher provided")
	ErrNoFileWatcher = errors.New("hotreload: no file watcher provided")
)

// Publisher fans a publish out to every subscribed connection.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Invalidator drops a cached build of an asset.
type Invalidator interface {
	Invalidate()
}

// Option configures a HotReload service
type Option func(*HotReload)

// WithLogger sets the logger for the hot reload service
func WithLogger(logger *slog.Logger) Option {
	return func(hr *HotReload) {
		if logger != nil {
			hr.logger = logger
		}
	}
}

// WithPublisher sets where reload notices are published, normally the broker
func WithPublisher(p Publisher) Option {
	return func(hr *HotReload) {
		hr.publisher = p
	}
}

// WithFileWatcher sets the file watcher for the hot reload service
func WithFileWatcher(watcher *filewatcher.FileWatcher) Option {
	return func(hr *HotReload) {
		hr.watcher = watcher
	}
}

// WithInvalidator registers a cache to drop before clients are told to reload
func WithInvalidator(inv Invalidator) Option {
	return func(hr *HotReload) {
		hr.invalidators = append(hr.invalidators, inv)
	}
}
