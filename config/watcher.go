package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads tunable limits when the project config file changes.
// Only limits that are safe to change mid-flight are applied; connection
// settings and credentials require a restart.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Config
	onApply []func(*Config)
}

// NewWatcher creates a watcher over the given config file path.
func NewWatcher(path string, initial *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, current: initial, logger: logger}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a callback invoked with the new config after a reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApply = append(w.onApply, fn)
}

// Watch blocks until ctx is cancelled, reloading on file writes.
// Editors often emit bursts of events; writes are debounced by 500ms.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := LoadFromFile(w.path)
		if err != nil {
			w.logger.Warn("Config reload failed, keeping previous", "path", w.path, "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			w.logger.Warn("Reloaded config invalid, keeping previous", "path", w.path, "error", err)
			return
		}

		w.mu.Lock()
		w.current = cfg
		callbacks := make([]func(*Config), len(w.onApply))
		copy(callbacks, w.onApply)
		w.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
		w.logger.Info("Config reloaded", "path", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}
