package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehaven/filehaven/internal/config"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	expected := []string{
		"serve", "supervise", "sync",
		"ls", "get", "put", "rm", "mv", "versions", "restore",
		"conflicts", "status",
	}

	for _, name := range expected {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestServerURLResolution(t *testing.T) {
	origCfg, origFlag := cfg, flagServer
	defer func() { cfg, flagServer = origCfg, origFlag }()

	cfg = config.DefaultConfig()
	flagServer = ""
	assert.Equal(t, "http://localhost:8080", serverURL())

	cfg.Client.ServerURL = "http://fileserver:9000"
	assert.Equal(t, "http://fileserver:9000", serverURL())

	flagServer = "http://override:1234"
	assert.Equal(t, "http://override:1234", serverURL())
}

func TestBuildLoggerHonorsFlags(t *testing.T) {
	origCfg, origVerbose, origQuiet := cfg, flagVerbose, flagQuiet
	defer func() { cfg, flagVerbose, flagQuiet = origCfg, origVerbose, origQuiet }()

	cfg = config.DefaultConfig()

	flagVerbose, flagQuiet = false, false
	logger := buildLogger()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

	flagVerbose = true
	logger = buildLogger()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	flagVerbose, flagQuiet = false, true
	logger = buildLogger()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
