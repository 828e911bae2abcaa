package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dsa110/contimg/internal/log"
	"github.com/dsa110/contimg/internal/model"
)

// ReadyFunc is called for every group that becomes ready for processing.
type ReadyFunc func(ctx context.Context, group model.FileGroup) error

// WatcherConfig is the configuration for the input directory watcher.
type WatcherConfig struct {
	Dir     string
	Grouper *Grouper
	// OnReady is invoked when an observation completes its group. Optional.
	OnReady ReadyFunc
	Logger  log.Logger
}

func (c *WatcherConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("watch directory is required")
	}
	if c.Grouper == nil {
		return fmt.Errorf("grouper is required")
	}
	if c.OnReady == nil {
		c.OnReady = func(context.Context, model.FileGroup) error { return nil }
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "ingest.Watcher"})
	return nil
}

// Watcher feeds the grouper from filesystem create events on the input
// directory. Files that do not match the subband pattern are ignored.
type Watcher struct {
	dir     string
	grouper *Grouper
	onReady ReadyFunc
	logger  log.Logger
}

// NewWatcher creates a new directory watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Watcher{
		dir:     cfg.Dir,
		grouper: cfg.Grouper,
		onReady: cfg.OnReady,
		logger:  cfg.Logger,
	}, nil
}

// Bootstrap observes files already present in the directory, so arrivals
// during downtime are not lost across restarts.
func (w *Watcher) Bootstrap(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("could not read watch directory: %w", err)
	}

	observed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := w.observe(ctx, filepath.Join(w.dir, e.Name())); err != nil {
			return err
		}
		observed++
	}

	w.logger.Infof("Bootstrap scanned %d entries in %s", observed, w.dir)
	return nil
}

// Run watches the directory until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create fs watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("could not watch %s: %w", w.dir, err)
	}

	w.logger.Infof("Watching %s for subband files", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fs watcher event channel closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.observe(ctx, event.Name); err != nil {
				// Arrival handling errors are logged, not fatal: the file
				// remains on disk and a bootstrap rescan picks it up.
				w.logger.Errorf("Could not handle arrival %s: %s", event.Name, err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fs watcher error channel closed")
			}
			w.logger.Errorf("FS watcher error: %s", err)
		}
	}
}

func (w *Watcher) observe(ctx context.Context, path string) error {
	timestamp, index, ok := ParseSubbandFilename(filepath.Base(path))
	if !ok {
		w.logger.Debugf("Ignoring non-subband file %s", path)
		return nil
	}

	group, ready, err := w.grouper.Observe(ctx, path, timestamp, index)
	if err != nil {
		return err
	}
	if ready {
		return w.onReady(ctx, *group)
	}
	return nil
}
