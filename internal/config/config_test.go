package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("RECONNECT_DELAY_MS", "")
	t.Setenv("RECONNECT_STRATEGY", "")

	cfg := Load()
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "fixed", cfg.ReconnectStrategy)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 0, cfg.ReconnectMaxAttempts)
	assert.False(t, cfg.CaptureEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("RECONNECT_DELAY_MS", "250")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("CAPTURE_TIMEOUT_SECONDS", "not-a-number")

	cfg := Load()
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 7, cfg.ReconnectMaxAttempts)
	assert.True(t, cfg.MinioUseSSL)
	assert.Equal(t, 30*time.Second, cfg.CaptureTimeout)
}
