package trust

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore is a Store persisted as a single JSON file. It suits the
// standalone client agent, where no datastore is configured. External
// edits (a settings UI re-pinning a peer) are picked up by WatchAndReload.
type FileStore struct {
	path string

	mu   sync.RWMutex
	pins map[string]filePin
}

type filePin struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	PinnedKey []byte `json:"pinned_key"`
}

// NewFileStore creates a file-backed pin store, loading existing pins if
// the file is present.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, pins: make(map[string]filePin)}
	if err := fs.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var pins []filePin
	if err := json.Unmarshal(raw, &pins); err != nil {
		return fmt.Errorf("parse pin file %q: %w", f.path, err)
	}
	next := make(map[string]filePin, len(pins))
	for _, p := range pins {
		next[pinKey(p.ServerID, p.UserID)] = p
	}
	f.mu.Lock()
	f.pins = next
	f.mu.Unlock()
	return nil
}

// save writes the pin set. Callers hold f.mu.
func (f *FileStore) save() error {
	pins := make([]filePin, 0, len(f.pins))
	for _, p := range f.pins {
		pins = append(pins, p)
	}
	raw, err := json.MarshalIndent(pins, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// CheckPin implements Store.
func (f *FileStore) CheckPin(_ context.Context, serverID, userID string, identityKey []byte) (PinStatus, error) {
	k := pinKey(serverID, userID)
	f.mu.Lock()
	defer f.mu.Unlock()

	pinned, ok := f.pins[k]
	if !ok {
		f.pins[k] = filePin{
			ServerID:  serverID,
			UserID:    userID,
			PinnedKey: append([]byte(nil), identityKey...),
		}
		if err := f.save(); err != nil {
			delete(f.pins, k)
			return PinMismatch, err
		}
		return PinNew, nil
	}
	if bytes.Equal(pinned.PinnedKey, identityKey) {
		return PinOK, nil
	}
	return PinMismatch, nil
}

// GetPin implements Store.
func (f *FileStore) GetPin(_ context.Context, serverID, userID string) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pinned, ok := f.pins[pinKey(serverID, userID)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), pinned.PinnedKey...), true, nil
}

// RemovePin implements Store.
func (f *FileStore) RemovePin(_ context.Context, serverID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pins, pinKey(serverID, userID))
	return f.save()
}

// WatchAndReload watches the pin file and reloads it on external writes.
// Blocks until done is closed.
func (f *FileStore) WatchAndReload(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				_ = f.load()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
