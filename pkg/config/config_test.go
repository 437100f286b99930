package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, BackendMemory, cfg.StorageBackend)
	require.Equal(t, 60*time.Minute, cfg.SessionTTL)
	require.Equal(t, 10*time.Minute, cfg.CleanupInterval)
	require.Equal(t, ":8080", cfg.Addr())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("SESSION_TTL_MINUTES", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, BackendPostgres, cfg.StorageBackend)
	require.Equal(t, 5*time.Minute, cfg.SessionTTL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("PORT", "8080")
	t.Setenv("STORAGE_BACKEND", "redis")
	_, err = Load()
	require.ErrorContains(t, err, "STORAGE_BACKEND")

	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("SESSION_TTL_MINUTES", "0")
	_, err = Load()
	require.ErrorContains(t, err, "SESSION_TTL_MINUTES")
}
