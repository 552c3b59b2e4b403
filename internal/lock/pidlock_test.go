package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "drover.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, path, l.Path())
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "drover.lock")
	first, err := Acquire(path)
	require.NoError(t, err)

	// flock is per open file description, so a second open in the same
	// process conflicts too.
	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestReadPID(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("nope\n"), 0o644))
	_, err = ReadPID(bad)
	assert.Error(t, err)
}

func TestAcquireEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Error(t, err)
}
