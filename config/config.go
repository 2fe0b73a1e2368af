package config

import (
	"time"

	"github.com/pitabwire/frame/config"
)

// RelayConfig holds configuration for the fan-out relay service.
type RelayConfig struct {
	config.ConfigurationDefault
	MaxMembersPerChannel int  `envDefault:"64"   env:"MAX_MEMBERS_PER_CHANNEL"`
	MaxChannelsPerNode   int  `envDefault:"1000" env:"MAX_CHANNELS_PER_NODE"`
	StatsEnabled         bool `envDefault:"true" env:"STATS_ENABLED"`
}

// AgentConfig holds configuration for the client agent.
type AgentConfig struct {
	config.ConfigurationDefault
	ProfilePath      string `envDefault:"./profile.yaml" env:"PROFILE_PATH"`
	KeyTimeoutSec    int    `envDefault:"10"             env:"KEY_TIMEOUT_SEC"`
	ProfileHotReload bool   `envDefault:"true"           env:"PROFILE_HOT_RELOAD"`
	TrustBackend     string `envDefault:"file"           env:"TRUST_BACKEND"`
}

// KeyTimeout returns the AwaitKey bound as a duration.
func (c *AgentConfig) KeyTimeout() time.Duration {
	if c.KeyTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.KeyTimeoutSec) * time.Second
}
