package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher hot-reloads a FileResolver when its file changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	resolver *FileResolver
	onReload []func()
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches the directory holding the resolver's file so that
// editors which replace the file via rename are still observed.
// onReload hooks run after every reload attempt, successful or not.
func NewWatcher(resolver *FileResolver, logger *slog.Logger, onReload ...func()) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create file watcher: %w", err)
	}
	dir := filepath.Dir(resolver.Path())
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("policy: watch %q: %w", dir, err)
	}
	return &Watcher{
		watcher:  w,
		resolver: resolver,
		onReload: onReload,
		debounce: DefaultDebounce,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	target := filepath.Clean(w.resolver.Path())
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	// Reload logs its own outcome and fails closed on error.
	_ = w.resolver.Reload()
	for _, fn := range w.onReload {
		fn()
	}
}

// Close stops watching. It is safe to call after Run has returned.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
