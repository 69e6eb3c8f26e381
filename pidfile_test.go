package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sync.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	cleanup()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFileRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)
	defer cleanup()

	_, err = writePIDFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestWritePIDFileEmptyPath(t *testing.T) {
	_, err := writePIDFile("")
	assert.Error(t, err)
}
