package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 10*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, time.Hour, cfg.ReplayWindow)
	assert.Equal(t, 5, cfg.MaxKeysPerWallet)
	assert.Equal(t, 3, cfg.MaxSessionsPerKey)
	assert.False(t, cfg.SingleKeyPerWallet)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_LISTEN_ADDR", ":9999")
	t.Setenv("AUTH_STORE_BACKEND", "sqlite")
	t.Setenv("AUTH_SQLITE_PATH", "/tmp/auth.db")
	t.Setenv("AUTH_SESSION_TTL", "1h")
	t.Setenv("AUTH_SINGLE_KEY_PER_WALLET", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "/tmp/auth.db", cfg.SQLitePath)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.SingleKeyPerWallet)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("AUTH_STORE_BACKEND", "cassandra")

	_, err := Load()
	assert.Error(t, err)
}
