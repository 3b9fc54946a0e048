package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DATACONNECT_LOG_LEVEL", "DATACONNECT_STEALTH", "DATACONNECT_GRACE", "DATACONNECT_FETCH_TIMEOUT", "DATACONNECT_WARMUP_URL"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DATACONNECT_LOG_LEVEL", "debug")
	t.Setenv("DATACONNECT_STEALTH", "true")
	t.Setenv("DATACONNECT_GRACE", "500ms")
	t.Setenv("DATACONNECT_FETCH_TIMEOUT", "5s")
	t.Setenv("DATACONNECT_WARMUP_URL", "https://example.com/home")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Stealth)
	assert.Equal(t, 500*time.Millisecond, cfg.Grace)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, "https://example.com/home", cfg.WarmupURL)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("DATACONNECT_GRACE", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.FetchTimeout = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Grace = -time.Second
	require.Error(t, cfg.Validate())
}
