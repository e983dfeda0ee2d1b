package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.StorageDriver)
	assert.Equal(t, 10*time.Minute, cfg.NonceTTL)
	assert.Equal(t, 10*time.Minute, cfg.StateTTL)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
}

func TestFromEnvTTLOverrides(t *testing.T) {
	t.Setenv("LTI_NONCE_TTL", "5m")
	t.Setenv("LTI_STATE_TTL", "2m")
	t.Setenv("LTI_SESSION_TTL", "1h")

	cfg := FromEnv()
	assert.Equal(t, 5*time.Minute, cfg.NonceTTL)
	assert.Equal(t, 2*time.Minute, cfg.StateTTL)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
}

func TestEnvDurIgnoresGarbage(t *testing.T) {
	t.Setenv("LTI_STATE_TTL", "soon")
	cfg := FromEnv()
	assert.Equal(t, 10*time.Minute, cfg.StateTTL)
}
