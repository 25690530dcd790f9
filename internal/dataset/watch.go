package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/internal/metrics"
)

// DefaultDebounce collapses editor save bursts into one reload.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a dataset when its YAML file changes on disk.
type Watcher struct {
	path     string
	data     *Dataset
	debounce time.Duration

	// OnReload, if set, is called after every reload attempt.
	OnReload func(error)
}

// NewWatcher creates a watcher for path that reloads into d.
func NewWatcher(path string, d *Dataset, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: abs, data: d, debounce: debounce}, nil
}

// Run watches until ctx is cancelled. The parent directory is watched so
// atomic rename-into-place writes are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	logging.Info("watching dataset file", zap.String("path", w.path))

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() == nil {
					w.reload()
				}
			})
			mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("dataset watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	roots, err := ReadFile(w.path)
	if err == nil {
		err = w.data.Replace(roots)
	}
	metrics.RecordDatasetReload("file", err == nil)
	if err != nil {
		logging.Warn("dataset reload failed, keeping previous tree",
			zap.String("path", w.path), zap.Error(err))
	} else {
		logging.Info("dataset reloaded",
			zap.String("path", w.path), zap.Int("entities", CountEntities(roots)))
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
