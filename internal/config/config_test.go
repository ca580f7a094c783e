package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("CONVERSATION_SERVICE_CACHE_TTL", "PT2H")
	t.Setenv("CONVERSATION_SERVICE_SEND_RETRY_BACKOFF", "150ms")
	t.Setenv("CONVERSATION_SERVICE_MAX_BODY_SIZE", "2M")
	t.Setenv("CONVERSATION_SERVICE_CORS_ENABLED", "true")
	t.Setenv("CONVERSATION_SERVICE_API_KEYS_WEB", "k1, k2")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	require.Equal(t, 2*time.Hour, cfg.CacheTTL)
	require.Equal(t, 150*time.Millisecond, cfg.SendRetryBackoff)
	require.Equal(t, int64(2*1024*1024), cfg.MaxBodySize)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, map[string]string{"k1": "web", "k2": "web"}, cfg.APIKeys)
}

func TestApplyEnv_InvalidDuration(t *testing.T) {
	t.Setenv("CONVERSATION_SERVICE_CACHE_TTL", "P1D")
	cfg := DefaultConfig()
	require.Error(t, cfg.ApplyEnv())
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("PT")
	require.Error(t, err)
}

func TestRevokeWindow(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 2*time.Minute, cfg.RevokeWindow())

	cfg.RevokeTimeLimit = 0
	require.Equal(t, time.Duration(0), cfg.RevokeWindow())

	var nilCfg *Config
	require.Equal(t, time.Duration(0), nilCfg.RevokeWindow())
}
