// Package watch feeds trajectory files that appear in a directory to a
// handler, typically offline rejected-action recording.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forkbench/internal/logging"
	"forkbench/internal/trajectory"
)

// Handler processes one settled trajectory file.
type Handler func(ctx context.Context, path string) error

// Stats counts watcher activity.
type Stats struct {
	Events    int
	Processed int
	Failed    int
	LastPath  string
}

// Watcher watches one directory for *.traj.json files. A path is handed to
// the handler once it has been quiet for the debounce window. Each path is
// processed at most once per Watcher.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	handler  Handler
	debounce time.Duration
	pending  map[string]time.Time
	done     map[string]bool
	stats    Stats

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a Watcher for dir. A debounce of zero uses 500ms.
func New(dir string, handler Handler, debounce time.Duration) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("watch: handler is required")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		dir:      dir,
		handler:  handler,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		done:     make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Trajectories already in the directory are queued
// too. Start does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	logging.Watch("Watching %s for trajectories", w.dir)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logging.WatchWarn("Failed to list %s: %v", w.dir, err)
	}
	w.mu.Lock()
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), trajectory.Extension) {
			w.pending[filepath.Join(w.dir, e.Name())] = time.Now()
		}
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop stops the event loop and closes the underlying watcher. It waits for
// an in-flight handler call to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		logging.WatchError("Error closing watcher: %v", err)
	}
	logging.Watch("Watcher stopped")
}

// Stats returns a copy of the current counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(max(w.debounce/4, time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.WatchError("Watcher error: %v", err)
		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, trajectory.Extension) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	logging.WatchDebug("%s %s", ev.Op, ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Events++
	if w.done[ev.Name] {
		return
	}
	w.pending[ev.Name] = time.Now()
}

// flush runs the handler on every path that has settled.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
			w.done[path] = true
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		err := w.handler(ctx, path)
		w.mu.Lock()
		w.stats.LastPath = path
		if err != nil {
			w.stats.Failed++
		} else {
			w.stats.Processed++
		}
		w.mu.Unlock()
		if err != nil {
			logging.WatchError("Failed to process %s: %v", path, err)
			continue
		}
		logging.Watch("Processed %s", path)
	}
}
