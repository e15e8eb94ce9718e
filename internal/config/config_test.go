package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("WORKER_CONCURRENCY", "")
	t.Setenv("HEARTBEAT_INTERVAL", "")
	t.Setenv("STALE_AFTER", "")
	t.Setenv("DISPATCH_MODE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Contains(t, cfg.DBDSN, "ai_genjobs")
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 16, cfg.WorkerQueueSize)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.StaleAfter)
	assert.Equal(t, DispatchLocal, cfg.DispatchMode)
	assert.Equal(t, 180, cfg.KlingMaxPolls)
}

func TestLoad_ClampsConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("WORKER_QUEUE_SIZE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
}

func TestLoad_RejectsThresholdBelowTwiceHeartbeat(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "1m")
	t.Setenv("STALE_AFTER", "90s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STALE_AFTER")
}

func TestLoad_RejectsUnknownDispatchMode(t *testing.T) {
	t.Setenv("DISPATCH_MODE", "kafka")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_MODE")
}
