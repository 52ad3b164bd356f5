package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// ChangeEvent signals that the catalog file was rewritten.
type ChangeEvent struct {
	Path      string
	Timestamp time.Time
}

// Watcher emits a debounced ChangeEvent whenever the catalog file changes
// on disk. The parent directory is watched rather than the file itself so
// editors that replace the file atomically are still observed.
type Watcher struct {
	watcher     *fsnotify.Watcher
	events      chan ChangeEvent
	watchedPath string

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	closeMu sync.RWMutex
	closed  bool
}

// NewWatcher creates a watcher for the catalog file at path.
func NewWatcher(path string) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(absPath), err)
	}

	return &Watcher{
		watcher:     fw,
		events:      make(chan ChangeEvent, 16),
		watchedPath: absPath,
	}, nil
}

// Events returns the channel of debounced catalog changes. It is closed
// when the watcher stops.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins processing file system events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.stopEmitting()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			eventPath, err := filepath.Abs(event.Name)
			if err != nil {
				slog.Warn("Failed to resolve watch event path", "path", event.Name, "error", err)
				continue
			}
			if eventPath != w.watchedPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			slog.Debug("Catalog file changed", "path", event.Name, "op", event.Op)
			w.scheduleEmit(eventPath)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Catalog watcher error", "error", err)
		}
	}
}

// scheduleEmit collapses a burst of writes into a single event after the
// debounce delay.
func (w *Watcher) scheduleEmit(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceDelay, func() {
		w.closeMu.RLock()
		defer w.closeMu.RUnlock()
		if w.closed {
			return
		}

		select {
		case w.events <- ChangeEvent{Path: path, Timestamp: time.Now()}:
		default:
			slog.Warn("Catalog change channel full, skipping event")
		}
	})
}

// stopEmitting closes the event channel once no pending debounce timer
// can fire into it anymore. Runs exactly once, when processEvents returns.
func (w *Watcher) stopEmitting() {
	w.closeMu.Lock()
	w.closed = true
	w.closeMu.Unlock()

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	close(w.events)
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() error {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	return nil
}
