// Package trust implements trust-on-first-use pinning of peer identity
// keys. The first key seen for a (server, user) pair is pinned; a later
// key change is reported as a mismatch and never overwrites the pin.
package trust

import (
	"bytes"
	"context"
	"sync"
)

// PinStatus is the result of checking an identity key against the store.
type PinStatus int

const (
	// PinNew means no pin existed; the key has been stored.
	PinNew PinStatus = iota
	// PinOK means the key matches the existing pin.
	PinOK
	// PinMismatch means the key differs from the pin. The pin is kept;
	// callers must treat this as a potential impersonation.
	PinMismatch
)

func (s PinStatus) String() string {
	switch s {
	case PinNew:
		return "new"
	case PinOK:
		return "ok"
	case PinMismatch:
		return "mismatch"
	}
	return "unknown"
}

// Store is a TOFU pin store.
type Store interface {
	// CheckPin pins identityKey on first contact and compares on every
	// later contact. A mismatch never overwrites the stored pin.
	CheckPin(ctx context.Context, serverID, userID string, identityKey []byte) (PinStatus, error)
	// GetPin returns the pinned key for a peer, if any.
	GetPin(ctx context.Context, serverID, userID string) ([]byte, bool, error)
	// RemovePin deletes a pin so the peer re-pins on next contact. Used
	// for manual re-trust after a legitimate key rotation.
	RemovePin(ctx context.Context, serverID, userID string) error
}

// MemoryStore keeps pins in process memory. Pins do not survive restarts;
// use Repository or FileStore for durable pinning.
type MemoryStore struct {
	mu   sync.RWMutex
	pins map[string][]byte
}

// NewMemoryStore creates an empty in-memory pin store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pins: make(map[string][]byte)}
}

func pinKey(serverID, userID string) string {
	return serverID + "\x00" + userID
}

// CheckPin implements Store.
func (m *MemoryStore) CheckPin(_ context.Context, serverID, userID string, identityKey []byte) (PinStatus, error) {
	k := pinKey(serverID, userID)
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned, ok := m.pins[k]
	if !ok {
		m.pins[k] = append([]byte(nil), identityKey...)
		return PinNew, nil
	}
	if bytes.Equal(pinned, identityKey) {
		return PinOK, nil
	}
	return PinMismatch, nil
}

// GetPin implements Store.
func (m *MemoryStore) GetPin(_ context.Context, serverID, userID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pinned, ok := m.pins[pinKey(serverID, userID)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), pinned...), true, nil
}

// RemovePin implements Store.
func (m *MemoryStore) RemovePin(_ context.Context, serverID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, pinKey(serverID, userID))
	return nil
}
