package trust

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryStoreTOFU(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	keyA := []byte("identity-key-a")
	status, err := s.CheckPin(ctx, "srv1", "alice", keyA)
	if err != nil {
		t.Fatalf("CheckPin: %v", err)
	}
	if status != PinNew {
		t.Errorf("got %v, want PinNew on first contact", status)
	}

	status, _ = s.CheckPin(ctx, "srv1", "alice", keyA)
	if status != PinOK {
		t.Errorf("got %v, want PinOK on repeat contact", status)
	}

	status, _ = s.CheckPin(ctx, "srv1", "alice", []byte("different-key"))
	if status != PinMismatch {
		t.Errorf("got %v, want PinMismatch on changed key", status)
	}

	// The mismatch must not overwrite the original pin.
	pinned, ok, _ := s.GetPin(ctx, "srv1", "alice")
	if !ok || !bytes.Equal(pinned, keyA) {
		t.Error("pin should still hold the first-seen key after a mismatch")
	}
}

func TestMemoryStoreScopedByServer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _ = s.CheckPin(ctx, "srv1", "alice", []byte("key-1"))
	status, _ := s.CheckPin(ctx, "srv2", "alice", []byte("key-2"))
	if status != PinNew {
		t.Errorf("got %v, want PinNew: pins are per (server, user)", status)
	}
}

func TestMemoryStoreRemovePin(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _ = s.CheckPin(ctx, "srv1", "bob", []byte("old-key"))
	if err := s.RemovePin(ctx, "srv1", "bob"); err != nil {
		t.Fatalf("RemovePin: %v", err)
	}

	// After removal the peer re-pins with the new key.
	status, _ := s.CheckPin(ctx, "srv1", "bob", []byte("new-key"))
	if status != PinNew {
		t.Errorf("got %v, want PinNew after RemovePin", status)
	}
}

func TestFileStorePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pins.json")

	s1, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	key := []byte("pinned-identity")
	if status, _ := s1.CheckPin(ctx, "srv1", "carol", key); status != PinNew {
		t.Fatalf("got %v, want PinNew", status)
	}

	// A fresh store on the same path sees the pin.
	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	status, _ := s2.CheckPin(ctx, "srv1", "carol", key)
	if status != PinOK {
		t.Errorf("got %v, want PinOK from persisted pin", status)
	}
	status, _ = s2.CheckPin(ctx, "srv1", "carol", []byte("rotated"))
	if status != PinMismatch {
		t.Errorf("got %v, want PinMismatch from persisted pin", status)
	}
}

func TestFileStoreRemoveSurvivesReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pins.json")

	s1, _ := NewFileStore(path)
	_, _ = s1.CheckPin(ctx, "srv1", "dave", []byte("key"))
	if err := s1.RemovePin(ctx, "srv1", "dave"); err != nil {
		t.Fatalf("RemovePin: %v", err)
	}

	s2, _ := NewFileStore(path)
	_, ok, _ := s2.GetPin(ctx, "srv1", "dave")
	if ok {
		t.Error("removed pin should not reappear after reload")
	}
}
