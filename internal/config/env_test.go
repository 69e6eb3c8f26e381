package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverridesServerSettings(t *testing.T) {
	cfg := DefaultConfig()

	err := ApplyEnv(cfg, EnvOverrides{
		Port:        "8081",
		Host:        "10.0.0.5",
		StorageRoot: "/mnt/shared",
		ChunksDir:   "/mnt/scratch/chunks",
	})
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, "/mnt/shared", cfg.Server.StorageRoot)
	assert.Equal(t, "/mnt/scratch/chunks", cfg.Server.ChunksDir)
}

func TestApplyEnvLeavesUnsetFieldsAlone(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, ApplyEnv(cfg, EnvOverrides{}))

	assert.Equal(t, defaultPort, cfg.Server.Port)
	assert.Equal(t, defaultHost, cfg.Server.Host)
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()

	err := ApplyEnv(cfg, EnvOverrides{Port: "eighty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "9001")
	t.Setenv(EnvStorageRoot, "/data")

	env := ReadEnvOverrides()
	assert.Equal(t, "9001", env.Port)
	assert.Equal(t, "/data", env.StorageRoot)
	assert.Empty(t, env.Host)
}
