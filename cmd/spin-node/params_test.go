package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evikser/spin-node/pkg/node"
	"github.com/evikser/spin-node/pkg/storage"
)

func TestDefaultsMatchNodeConfig(t *testing.T) {
	v, args, err := getViper(nil)
	require.NoError(t, err)
	assert.Empty(t, args)

	cfg := nodeConfigFromViper(v)
	def := node.DefaultConfig()
	assert.Equal(t, def.Engine, cfg.Engine)
	assert.Equal(t, def.BatchSize, cfg.BatchSize)
	assert.Equal(t, def.MaxCallDepth, cfg.MaxCallDepth)
	assert.Equal(t, def.MinSegmentPo2, cfg.MinSegmentPo2)
	assert.Equal(t, def.MaxSegmentPo2, cfg.MaxSegmentPo2)
	assert.NoError(t, cfg.Validate())
}

func TestFlagsAndPositionalArgs(t *testing.T) {
	v, args, err := getViper([]string{"snapshot", "--engine", "bolt", "export", "--block-interval", "250ms"})
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot", "export"}, args)

	cfg := nodeConfigFromViper(v)
	assert.Equal(t, storage.EngineBolt, cfg.Engine)
	assert.Equal(t, 250*time.Millisecond, cfg.BlockInterval)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SPIN_BATCH_SIZE", "4")
	t.Setenv("SPIN_RPC_ADDR", "127.0.0.1:9999")

	v, _, err := getViper(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, nodeConfigFromViper(v).BatchSize)
	assert.Equal(t, "127.0.0.1:9999", rpcConfigFromViper(v).Addr)

	// Flags beat the environment
	v, _, err = getViper([]string{"--batch-size", "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, nodeConfigFromViper(v).BatchSize)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: memory\nmax-call-depth: 3\ndashboard-port: 9100\n"), 0o644))

	v, _, err := getViper([]string{"--config", path})
	require.NoError(t, err)

	cfg := nodeConfigFromViper(v)
	assert.Equal(t, storage.EngineMemory, cfg.Engine)
	assert.Equal(t, 3, cfg.MaxCallDepth)
	assert.Equal(t, 9100, dashboardConfigFromViper(v).Port)

	_, _, err = getViper([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, setupLogging("debug"))
	assert.Error(t, setupLogging("loud"))
}
