package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/thumbnailer/internal/pipeline"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type HandleFunc func(ctx context.Context, path string)

// Watcher feeds files created or rewritten in one directory to a handler once
// they have been quiet for the debounce period.
type Watcher struct {
	dir      string
	debounce time.Duration
	handle   HandleFunc
	logger   *zap.Logger
	ready    chan struct{}

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight sync.WaitGroup
}

func New(dir string, debounce time.Duration, handle HandleFunc, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		debounce: max(0, debounce),
		handle:   handle,
		logger:   logger.Named("watch"),
		ready:    make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Ready is closed once the directory is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run blocks until ctx is done, then waits for in-flight handlers.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching for new files", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))
	close(w.ready)

	defer func() {
		w.stopTimers()
		w.inflight.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ignored(event.Name) {
				continue
			}

			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.schedule(ctx, event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.cancel(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, exists := w.timers[path]; exists {
		w.stop(prev)
	}

	w.inflight.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(w.debounce, func() {
		defer w.inflight.Done()

		w.mu.Lock()
		current := w.timers[path] == timer
		if current {
			delete(w.timers, path)
		}
		w.mu.Unlock()

		if !current || ctx.Err() != nil || !isRegular(path) {
			return
		}
		w.logger.Debug("file changed", zap.String("file", filepath.Base(path)))
		w.handle(ctx, path)
	})
	w.timers[path] = timer
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, exists := w.timers[path]; exists {
		w.stop(timer)
		delete(w.timers, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		w.stop(timer)
		delete(w.timers, path)
	}
}

// stop releases the inflight slot of a timer that will now never fire.
// Callers hold w.mu.
func (w *Watcher) stop(timer *time.Timer) {
	if timer.Stop() {
		w.inflight.Done()
	}
}

func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || pipeline.IsTempFile(base)
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
