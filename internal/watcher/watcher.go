// Package watcher observes the library folder and signals when it has
// settled after a burst of changes.
//
// It deliberately reports no per-file detail: the scanner re-derives the
// full added/updated/removed picture from a fresh snapshot anyway, so the
// watcher only needs to coalesce filesystem noise into "something changed,
// and it has been quiet for the settle delay".
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the library folder tree recursively.
type Watcher struct {
	logger  *slog.Logger
	opts    Options
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	changes chan struct{}
	errors  chan error
}

// New creates a watcher. Call Watch to attach it to a folder, then Start.
func New(logger *slog.Logger, opts Options) (*Watcher, error) {
	opts.setDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		logger:  logger,
		opts:    opts,
		watcher: fsw,
		changes: make(chan struct{}, 1),
		errors:  make(chan error, 10),
	}, nil
}

// Watch adds a directory tree to be monitored.
func (w *Watcher) Watch(root string) error {
	root = filepath.Clean(root)

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			w.logger.Warn("failed to access path", "path", path, "error", err)
			return nil
		}
		if w.opts.shouldIgnore(path) && path != root {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Error("failed to add watch", "path", path, "error", err)
			return nil
		}
		w.logger.Debug("added watch", "path", path)
		return nil
	})
}

// Start processes events until the context is cancelled. It blocks.
func (w *Watcher) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			select {
			case w.errors <- err:
			default:
				w.logger.Warn("dropping watcher error", "error", err)
			}
		}
	}
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// Changes delivers one signal per settled burst of folder activity.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Errors delivers backend errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.opts.shouldIgnore(event.Name) {
		return
	}

	// New subdirectories need their own watch to stay recursive.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.Watch(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	w.logger.Debug("folder activity", "op", event.Op.String(), "path", event.Name)
	w.resetTimer()
}

// resetTimer restarts the settle countdown. The signal fires only after a
// full quiet period, so a long copy burst produces a single rescan.
func (w *Watcher) resetTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.SettleDelay, func() {
		select {
		case w.changes <- struct{}{}:
		default:
		}
	})
}
