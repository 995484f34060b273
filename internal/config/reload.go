package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Reloadable watches a config file and atomically swaps in new
// versions. Fields that would break live sessions are pinned: changing
// them requires a restart.
type Reloadable struct {
	path     string
	current  atomic.Pointer[Config]
	mu       sync.RWMutex
	watchers []func(old, cur *Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	reload   atomic.Bool
}

// NewReloadable loads the file once and starts watching it.
func NewReloadable(path string) (*Reloadable, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	r := &Reloadable{path: path, stopCh: make(chan struct{})}
	r.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

// Get returns the current configuration.
func (r *Reloadable) Get() *Config { return r.current.Load() }

// Watch registers a callback invoked after every successful reload.
func (r *Reloadable) Watch(fn func(old, cur *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// Reload re-reads the file and swaps the config if the transition is
// allowed.
func (r *Reloadable) Reload() error {
	if !r.reload.CompareAndSwap(false, true) {
		return fmt.Errorf("reload already in progress")
	}
	defer r.reload.Store(false)

	next, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	old := r.Get()
	if err := validateTransition(old, next); err != nil {
		return fmt.Errorf("validate transition: %w", err)
	}
	r.current.Store(next)

	r.mu.RLock()
	watchers := make([]func(old, cur *Config), len(r.watchers))
	copy(watchers, r.watchers)
	r.mu.RUnlock()
	for _, fn := range watchers {
		go fn(old, next)
	}
	return nil
}

// validateTransition pins the fields a live session depends on.
func validateTransition(old, next *Config) error {
	if old.Role != next.Role {
		return fmt.Errorf("role change requires restart: %s -> %s", old.Role, next.Role)
	}
	if old.Secret != next.Secret {
		return fmt.Errorf("secret change requires restart")
	}
	if old.Listen != next.Listen {
		return fmt.Errorf("listen address change requires restart")
	}
	if old.Session.LayoutCount != next.Session.LayoutCount ||
		old.Session.WindowSize != next.Session.WindowSize {
		return fmt.Errorf("codec shape change requires restart")
	}
	return nil
}

func (r *Reloadable) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				if err := r.Reload(); err != nil {
					fmt.Fprintf(os.Stderr, "config reload failed: %v\n", err)
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "config watcher error: %v\n", err)
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the file watcher.
func (r *Reloadable) Close() error {
	close(r.stopCh)
	return r.watcher.Close()
}
