package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes one client connection: where to reach the relay and
// which identity and trust stores back the session.
type Profile struct {
	ServerURL    string `yaml:"server_url"`
	ServerID     string `yaml:"server_id"`
	UserID       string `yaml:"user_id"`
	Channel      string `yaml:"channel"`
	KeystorePath string `yaml:"keystore_path"`
	TrustPath    string `yaml:"trust_path"`
}

// Validate checks the fields the agent cannot default.
func (p *Profile) Validate() error {
	if p.ServerURL == "" {
		return fmt.Errorf("profile: server_url is required")
	}
	if p.ServerID == "" {
		return fmt.Errorf("profile: server_id is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("profile: user_id is required")
	}
	if p.Channel == "" {
		return fmt.Errorf("profile: channel is required")
	}
	return nil
}

func parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Write saves a profile as YAML, creating the file with owner-only
// permissions.
func Write(path string, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
