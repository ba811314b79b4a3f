package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.ServerAddress)
	assert.Equal(t, 100, cfg.Batch.ChunkSize)
	assert.Equal(t, 5, cfg.Batch.Concurrency)
	assert.Equal(t, 3, cfg.Batch.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.TokenBuffer)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)
	require.NoError(t, Validate(cfg))
}

func TestNewConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DIRSYNC_CHUNK_SIZE", "25")
	t.Setenv("DIRSYNC_BREAKER_FAILURE_THRESHOLD", "3")
	t.Setenv("DIRSYNC_REGION", "EU")
	t.Setenv("DIRSYNC_MCP_PORT", "4001")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Batch.ChunkSize)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "EU", cfg.Region)
	assert.Equal(t, 4001, cfg.MCPPort)
}

func TestValidate_RejectsBadBounds(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	cfg.Batch.ChunkSize = 0
	cfg.Batch.Concurrency = -1
	cfg.Breaker.FailureThreshold = 0
	cfg.MCPPort = 70000

	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHUNK_SIZE")
	assert.Contains(t, err.Error(), "CONCURRENCY")
	assert.Contains(t, err.Error(), "BREAKER_FAILURE_THRESHOLD")
	assert.Contains(t, err.Error(), "MCP_PORT")
}
