package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/fieldsync/backend/internal/logging"
)

// ChangeFunc receives the previous and the reloaded configuration.
type ChangeFunc func(prev, next *Config)

// Watcher reloads a config file when it changes on disk. A reload that
// fails to parse or validate is logged and the previous configuration kept.
type Watcher struct {
	path     string
	onChange ChangeFunc
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	current *Config
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path starting from current.
func NewWatcher(path string, current *Config, onChange ChangeFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		watcher:  fw,
		current:  current,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// that editors replacing the file by rename are seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", filepath.Dir(w.path), err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Config watcher error", map[string]interface{}{
				"path":  w.path,
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		logging.Warn("Ignoring invalid config change", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	logging.Info("Config reloaded", map[string]interface{}{"path": w.path})
	if w.onChange != nil {
		w.onChange(prev, next)
	}
}
