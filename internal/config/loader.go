package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader loads a config file and hot-reloads it on change. Reloads
// that fail validation keep the previous configuration.
type Loader struct {
	path string

	mu       sync.RWMutex
	config   *Config
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	errChan chan error
}

// NewLoader creates a loader for the given path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
	}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked after a successful reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors reports reload failures.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the config file for changes.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(l.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, l.reload)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

func (l *Loader) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("reload config: %w", err):
		default:
		}
		return
	}

	l.mu.Lock()
	l.config = cfg
	callbacks := l.onChange
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
