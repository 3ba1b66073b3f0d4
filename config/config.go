// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the full runtime configuration of the service.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"AUTH_LISTEN_ADDR" envDefault:":8080"`

	// StoreBackend selects the persistence backend: memory, sqlite or redis.
	StoreBackend string `env:"AUTH_STORE_BACKEND" envDefault:"memory"`

	// SQLitePath is the database file used by the sqlite backend.
	SQLitePath string `env:"AUTH_SQLITE_PATH" envDefault:"talisman.db"`

	// RedisURL is the connection URL used by the redis backend and the
	// event publisher.
	RedisURL string `env:"AUTH_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	ChallengeTTL time.Duration `env:"AUTH_CHALLENGE_TTL" envDefault:"10m"`
	SessionTTL   time.Duration `env:"AUTH_SESSION_TTL"   envDefault:"24h"`
	ReplayWindow time.Duration `env:"AUTH_REPLAY_WINDOW" envDefault:"1h"`
	KeyTTL       time.Duration `env:"AUTH_KEY_TTL"       envDefault:"8760h"`

	MaxKeysPerWallet  int `env:"AUTH_MAX_KEYS_PER_WALLET"  envDefault:"5"`
	MaxSessionsPerKey int `env:"AUTH_MAX_SESSIONS_PER_KEY" envDefault:"3"`

	// SingleKeyPerWallet makes key registration overwrite the wallet's
	// existing key instead of accumulating up to MaxKeysPerWallet.
	SingleKeyPerWallet bool `env:"AUTH_SINGLE_KEY_PER_WALLET" envDefault:"false"`

	// JanitorInterval drives the background expiry sweeps.
	JanitorInterval time.Duration `env:"AUTH_JANITOR_INTERVAL" envDefault:"5m"`

	// EventsEnabled publishes revocation events through redis streams.
	// Requires RedisURL.
	EventsEnabled bool `env:"AUTH_EVENTS_ENABLED" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	switch cfg.StoreBackend {
	case "memory", "sqlite", "redis":
	default:
		return Config{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	return cfg, nil
}
