package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"

	"github.com/roach88/signalflow/internal/model"
)

// DefaultDebounce batches rapid saves into one reload.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives each topology that compiled and validated cleanly.
type ReloadFunc func(ctx context.Context, topology []model.Intersection) error

// Watcher recompiles a topology directory when its .cue files change.
type Watcher struct {
	dir      string
	debounce time.Duration
	onReload ReloadFunc
	log      *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last change.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for dir. onReload is called from Run's
// goroutine.
func NewWatcher(dir string, onReload ReloadFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		debounce: DefaultDebounce,
		onReload: onReload,
		log:      slog.With("component", "topology-watcher", "dir", dir),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. Failed compiles are logged and the
// previous topology stays in effect.
func (w *Watcher) Run(ctx context.Context) (err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { err = multierr.Append(err, fw.Close()) }()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching topology")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.log.Debug("topology change", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", "error", werr)

		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.log.Error("topology reload failed", "error", err)
			}
		}
	}
}

// Reload compiles and validates the directory and hands the result to the
// reload callback.
func (w *Watcher) Reload(ctx context.Context) error {
	topo, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	if problems := Validate(topo.Intersections); len(problems) > 0 {
		var errs error
		for _, p := range problems {
			errs = multierr.Append(errs, p)
		}
		return errs
	}
	for _, warn := range AnalyzeAdjacency(topo.Intersections) {
		w.log.Warn("adjacency", "level", warn.Level, "message", warn.Message)
	}
	if err := w.onReload(ctx, topo.Intersections); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	w.log.Info("topology applied", "intersections", len(topo.Intersections), "files", len(topo.Files))
	return nil
}

func relevant(ev fsnotify.Event) bool {
	if filepath.Ext(ev.Name) != ".cue" {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
