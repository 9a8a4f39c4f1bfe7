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

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.StaleThreshold)
	assert.Equal(t, 60*time.Second, cfg.ExpiryThreshold)
	assert.Equal(t, 256, cfg.SubscriberBuffer)
	assert.Equal(t, 120, cfg.PublishLimit)
	assert.Equal(t, time.Minute, cfg.PublishWindow)
	assert.Equal(t, 512, cfg.CacheCapacity)
	assert.Equal(t, "sqlite", cfg.ContentBackend)
	assert.Equal(t, "renkei", cfg.ServiceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RENKEI_PORT", "9090")
	t.Setenv("RENKEI_STALE_THRESHOLD", "3s")
	t.Setenv("RENKEI_EXPIRY_THRESHOLD", "9s")
	t.Setenv("RENKEI_CONTENT_BACKEND", "none")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.StaleThreshold)
	assert.Equal(t, 9*time.Second, cfg.ExpiryThreshold)
	assert.Equal(t, "none", cfg.ContentBackend)
}

func TestValidateThresholdOrdering(t *testing.T) {
	t.Setenv("RENKEI_STALE_THRESHOLD", "60s")
	t.Setenv("RENKEI_EXPIRY_THRESHOLD", "30s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RENKEI_EXPIRY_THRESHOLD")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"RENKEI_SWEEP_INTERVAL":    "-1s",
		"RENKEI_SUBSCRIBER_BUFFER": "0",
		"RENKEI_PUBLISH_LIMIT":     "-5",
		"RENKEI_CACHE_CAPACITY":    "0",
		"RENKEI_CONTENT_BACKEND":   "redis",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateBackendRequiresDSN(t *testing.T) {
	t.Setenv("RENKEI_CONTENT_BACKEND", "postgres")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RENKEI_POSTGRES_URL")

	t.Setenv("RENKEI_CONTENT_BACKEND", "qdrant")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QDRANT_URL")
}
