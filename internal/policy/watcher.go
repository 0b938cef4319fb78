package policy

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a rule file when it changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	reload   func(ctx context.Context, path string) error
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher that calls reload after path changes.
func NewWatcher(path string, reload func(ctx context.Context, path string) error, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		watcher:  w,
		reload:   reload,
		logger:   logger,
		debounce: time.Second,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period before a reload fires.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Start begins watching. The directory is watched rather than the file
// because editors often replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.Info("policy rule watcher started", zap.String("path", w.path))
	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isRuleFile(ev) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			w.mu.Lock()
			d := w.debounce
			w.mu.Unlock()
			timer = time.AfterFunc(d, func() { w.trigger(ctx) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy rule watcher error", zap.Error(err))

		case <-w.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) isRuleFile(ev fsnotify.Event) bool {
	evPath, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	rulePath, err := filepath.Abs(w.path)
	if err != nil {
		return false
	}
	return evPath == rulePath
}

func (w *Watcher) trigger(ctx context.Context) {
	start := time.Now()
	if err := w.reload(ctx, w.path); err != nil {
		w.logger.Error("policy rule reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("policy rule reload completed", zap.String("path", w.path), zap.Duration("duration", time.Since(start)))
}
