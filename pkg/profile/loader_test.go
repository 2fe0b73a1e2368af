package profile

import (
	"os"
	"path/filepath"
	"testing"
)

const validProfile = `
server_url: ws://relay.example.com:8080/ws
server_id: relay.example.com
user_id: alice
channel: ops
keystore_path: /home/alice/.quietwire/identity.json
trust_path: /home/alice/.quietwire/pins.json
`

func TestLoaderLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(validProfile), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	loader := NewLoader(path)
	p, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.UserID != "alice" {
		t.Errorf("got user_id %q, want %q", p.UserID, "alice")
	}
	if p.Channel != "ops" {
		t.Errorf("got channel %q, want %q", p.Channel, "ops")
	}
	if got := loader.Current(); got != p {
		t.Error("Current does not return the loaded profile")
	}
}

func TestLoaderRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("server_url: ws://x\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err == nil {
		t.Error("want validation error for incomplete profile")
	}
	if loader.Current() != nil {
		t.Error("failed load must not replace the current profile")
	}
}

func TestLoaderOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(validProfile), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	loader := NewLoader(path)
	var seen []string
	loader.OnChange(func(p *Profile) {
		seen = append(seen, p.Channel)
	})

	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(seen) != 1 || seen[0] != "ops" {
		t.Errorf("got observed channels %v, want [ops]", seen)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	p := &Profile{
		ServerURL: "ws://relay.example.com/ws",
		ServerID:  "relay.example.com",
		UserID:    "bob",
		Channel:   "standup",
	}
	if err := Write(path, p); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}
