package storage

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const snapshotDebounce = 400 * time.Millisecond

// Watcher watches the data directory for snapshot files dropped in from
// outside the process (operator copies, backups restored in place) and
// hands them to a load callback. Files the server writes itself are
// filtered out by the callback, which skips libraries already in memory.
type Watcher struct {
	dir    string
	onLoad func(path string, libraryID uuid.UUID)
	logger *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timers   map[string]*time.Timer
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher over dir. onLoad is called with the path and
// the library id parsed from the file name, after events settle.
func NewWatcher(dir string, onLoad func(path string, libraryID uuid.UUID), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		onLoad: onLoad,
		logger: logger,
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
}

// Start begins watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
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
			if err != nil {
				w.logger.Debug("snapshot watcher error", zap.Error(err))
			}
		}
	}
}

// handleEvent debounces create/write events per file; editors and copies
// produce bursts of partial writes.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	libraryID, ok := SnapshotFileID(ev.Name)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[ev.Name]; ok {
		timer.Stop()
	}
	path := ev.Name
	w.timers[path] = time.AfterFunc(snapshotDebounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.logger.Debug("snapshot file event settled", zap.String("path", path))
		w.onLoad(path, libraryID)
	})
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, timer := range w.timers {
			timer.Stop()
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}
