package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly loaded and validated config after the
// watched file changes. Implementations decide what is safe to apply at
// runtime; the watcher never restarts the process.
type ReloadFunc func(cfg *Config)

// Watcher reloads configuration when the config file changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	reload  ReloadFunc
	stop    chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, reload ReloadFunc) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if reload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	return &Watcher{
		path:    path,
		watcher: fw,
		reload:  reload,
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching. Runs until the context is cancelled or Stop is
// called. A change that fails to load or validate is skipped; the previous
// configuration stays in effect.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("watching config file: %w", err)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Editors replace files with rename+create; reload on any
			// mutation of the watched path.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadWithFile(w.path)
			if err != nil {
				continue
			}
			w.reload(cfg)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
