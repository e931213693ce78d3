package pricing

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Watcher reloads a Store when its pricing file changes
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *observability.Logger
	watcher  *fsnotify.Watcher
	// reloaded receives the outcome of every reload, for tests
	reloaded chan error
}

// NewWatcher watches the directory of path so editor renames are seen
func NewWatcher(store *Store, path string, logger *observability.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return &Watcher{
		store:    store,
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run blocks until ctx ends
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Pricing file watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	c, err := w.store.Reload(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Pricing reload failed, keeping previous catalog")
	} else {
		w.logger.WithField("version", c.Version()).Info("Pricing catalog reloaded")
	}
	if w.reloaded != nil {
		select {
		case w.reloaded <- err:
		default:
		}
	}
}
