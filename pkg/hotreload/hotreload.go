// Package hotreload tells connected widgets to reload when the widget script
// changes on disk during development.
package hotreload

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/lightforgemedia/go-supportchat/pkg/filewatcher"
	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
)

// HotReload coordinates file watching, asset cache invalidation and the
// reload notice sent to widgets.
type HotReload struct {
	publisher    Publisher
	watcher      *filewatcher.FileWatcher
	invalidators []Invalidator
	logger       *slog.Logger
	reloads      atomic.Int64
}

// New creates a new HotReload service
func New(opts ...Option) (*HotReload, error) {
	hr := &HotReload{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(hr)
	}

	if hr.publisher == nil {
		return nil, ErrNoPublisher
	}
	if hr.watcher == nil {
		return nil, ErrNoFileWatcher
	}
	return hr, nil
}

// Start starts the hot reload service
func (hr *HotReload) Start() error {
	hr.watcher.AddCallback(hr.handleFileChange)
	if err := hr.watcher.Start(); err != nil {
		return err
	}
	hr.logger.Info("hot reload service started")
	return nil
}

// Stop stops the hot reload service
func (hr *HotReload) Stop() error {
	if err := hr.watcher.Stop(); err != nil {
		return err
	}
	hr.logger.Info("hot reload service stopped")
	return nil
}

// Reloads returns how many reload notices have been published.
func (hr *HotReload) Reloads() int64 {
	return hr.reloads.Load()
}

func (hr *HotReload) handleFileChange(file string) {
	for _, inv := range hr.invalidators {
		inv.Invalidate()
	}
	hr.Trigger(context.Background(), filepath.Base(file))
}

// Trigger publishes a reload notice for file to every subscribed widget.
func (hr *HotReload) Trigger(ctx context.Context, file string) {
	hr.logger.Info("triggering widget reload", "file", file)
	if err := hr.publisher.Publish(ctx, protocol.TopicWidgetReload, protocol.WidgetReloadEvent{File: file}); err != nil {
		hr.logger.Error("publishing reload failed", "file", file, "error", err)
		return
	}
	hr.reloads.Add(1)
}
