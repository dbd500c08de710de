package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("QUEUE_BACKEND", "inmemory")
	t.Setenv("TOKEN_REFRESH_SKEW_SECONDS", "120")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.DatabaseURL)
	assert.True(t, cfg.MemoryStorage())
	assert.Equal(t, 120, cfg.TokenRefreshSkewSeconds)
	assert.Equal(t, 1440, cfg.JoinDefaultTimeoutMinutes)
	assert.Equal(t, 100, cfg.PollerFingerprintRingSize)
}

func TestLoadYAMLUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trellis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"database_url: postgres://file\nport: \"9000\"\nworker_count: 8\n",
	), 0o600))

	// Environment wins over the file.
	t.Setenv("PORT", "7000")
	t.Setenv("QUEUE_BACKEND", "inmemory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "postgres://file", cfg.DatabaseURL)
	assert.Equal(t, 8, cfg.WorkerCount)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("QUEUE_BACKEND", "carrier-pigeon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QueueBackend")
}

func TestValidateRequiresBrokerURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("QUEUE_BACKEND", "rabbitmq")
	t.Setenv("RABBITMQ_URL", "")

	_, err := Load("")
	require.Error(t, err)
}
