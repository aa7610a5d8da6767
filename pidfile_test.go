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

func TestWritePIDFile_CreatesFileWithCurrentPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blueshift.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	defer cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestWritePIDFile_FlockPreventsSecondAcquisition(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blueshift.pid")

	cleanup1, err := writePIDFile(path)
	require.NoError(t, err)
	require.NotNil(t, cleanup1)

	defer cleanup1()

	// Second attempt should fail because the flock is held.
	cleanup2, err := writePIDFile(path)
	require.Error(t, err)
	assert.Nil(t, cleanup2)
	assert.Contains(t, err.Error(), "already in progress")
}

func TestWritePIDFile_CleanupRemovesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blueshift.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	cleanup()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWritePIDFile_CreatesParentDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "blueshift.pid")

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	defer cleanup()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
