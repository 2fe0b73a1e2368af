package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader loads and optionally hot-reloads a client profile from a YAML
// file. Reload keeps the last good profile on parse failure, so a
// half-written edit never tears down a running session.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  *Profile
	onChange []func(*Profile)
}

// NewLoader creates a profile loader for the given file.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and validates the profile file.
func (l *Loader) Load() (*Profile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", l.path, err)
	}
	p, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", l.path, err)
	}

	l.mu.Lock()
	l.current = p
	handlers := make([]func(*Profile), len(l.onChange))
	copy(handlers, l.onChange)
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(p)
	}
	return p, nil
}

// Current returns the last successfully loaded profile, or nil.
func (l *Loader) Current() *Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked after every successful load.
func (l *Loader) OnChange(fn func(*Profile)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// WatchAndReload watches the profile file for changes and reloads.
// This blocks until the done channel is closed.
func (l *Loader) WatchAndReload(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(l.path), err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != l.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				_, _ = l.Load()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
