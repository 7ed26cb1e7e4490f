package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8400", cfg.Server.Port)
	assert.Equal(t, 256, cfg.Engine.MaxMsgs)
	assert.Equal(t, 16, cfg.Engine.MaxMsgsPerUser)
	assert.Equal(t, uint64(1<<20), cfg.Engine.PoolSize)
	assert.Equal(t, uint64(64), cfg.Engine.BloomSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BUS_MAX_MSGS", "42")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Engine.MaxMsgs)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset values keep their defaults.
	assert.Equal(t, 16, cfg.Engine.MaxMsgsPerUser)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	content := []byte(`
server:
  port: "9000"
engine:
  max_msgs: 512
  bloom_size: 128
logging:
  level: warn
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 512, cfg.Engine.MaxMsgs)
	assert.Equal(t, uint64(128), cfg.Engine.BloomSize)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Values absent from the file keep their defaults.
	assert.Equal(t, 128, cfg.Engine.MaxRequestsPending)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_msgs: 512\n"), 0o600))

	t.Setenv("BUS_MAX_MSGS", "64")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Engine.MaxMsgs)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/busd.yaml")
	assert.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault()
	require.NotNil(t, cfg)
	assert.NotZero(t, cfg.Engine.PoolSize)
}
