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

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StrategyWait, cfg.Strategy)
	assert.Equal(t, 20*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, time.Minute, cfg.LockTimeout)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_STRATEGY", "queue")
	t.Setenv("LOCK_TIMEOUT", "90s")
	t.Setenv("SWEEP_INTERVAL", "15") // bare numbers are seconds
	t.Setenv("REDIS_HOST", "redis.internal")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StrategyQueue, cfg.Strategy)
	assert.Equal(t, 90*time.Second, cfg.LockTimeout)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr())
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	t.Setenv("SCHEDULER_STRATEGY", "roulette")
	_, err := Load()
	require.Error(t, err)
}
