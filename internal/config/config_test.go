package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.Cache.Dir)
	assert.Equal(t, time.Duration(0), cfg.Cache.LockTimeout())
	assert.False(t, cfg.Cache.ReadOnlyOK)
	assert.Equal(t, "cachepath", cfg.HTTP.UserAgent)
	assert.Equal(t, 120*time.Second, cfg.HTTP.Timeout())
	assert.Equal(t, 3, cfg.HTTP.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CACHEPATH_CACHE_DIR", "/tmp/custom-cache")
	t.Setenv("CACHEPATH_CACHE_LOCK_TIMEOUT_SECS", "30")
	t.Setenv("CACHEPATH_HTTP_MAX_RETRIES", "7")
	t.Setenv("CACHEPATH_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom-cache", cfg.Cache.Dir)
	assert.Equal(t, 30*time.Second, cfg.Cache.LockTimeout())
	assert.Equal(t, 7, cfg.HTTP.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.Error(t, InitLogger(LogConfig{Level: "not-a-level"}))
}
