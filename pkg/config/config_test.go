package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10000, cfg.MaxEventHistory)
	assert.Equal(t, 100, cfg.MaxQueueSize)
	assert.Equal(t, 1000.0, cfg.MaxCredits)
	assert.Equal(t, 100, cfg.Security.MaxRequestsPerHour)
	assert.Equal(t, 0.8, cfg.Security.ThreatThreshold)
	assert.Equal(t, 3600, cfg.Security.SessionTimeout)
	assert.True(t, cfg.Validation.AutoFixEnabled)
	assert.Equal(t, 0.85, cfg.Memory.SimilarityThreshold)
	assert.False(t, cfg.Distributed)
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxQueueSize, cfg.MaxQueueSize)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")
	body := []byte("distributed: true\nmax_queue_size: 7\nsecurity:\n  max_requests_per_hour: 5\n")
	require.NoError(t, os.WriteFile(path, body, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Distributed)
	assert.Equal(t, 7, cfg.MaxQueueSize)
	assert.Equal(t, 5, cfg.Security.MaxRequestsPerHour)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1000.0, cfg.MaxCredits)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_queue_size: -1\n"), 0600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "max_queue_size")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://example:6380")
	t.Setenv("SKEIN_DATA_DIR", "/tmp/skein-test")
	t.Setenv("SKEIN_MASTER_KEY", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://example:6380", cfg.RedisURL)
	assert.Equal(t, "/tmp/skein-test", cfg.DataDir)
	assert.Equal(t, "hunter2", cfg.Vault.MasterKey)
}
