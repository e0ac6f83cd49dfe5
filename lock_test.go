package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireStateLock_RecordsPID(t *testing.T) {
	t.Parallel()

	db := filepath.Join(t.TempDir(), "nested", "state.db")

	l, err := acquireStateLock(db)
	require.NoError(t, err)

	defer l.Release()

	pid, err := lockHolder(db + lockSuffix)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireStateLock_Exclusive(t *testing.T) {
	t.Parallel()

	db := filepath.Join(t.TempDir(), "state.db")

	l, err := acquireStateLock(db)
	require.NoError(t, err)

	defer l.Release()

	again, err := acquireStateLock(db)
	require.ErrorIs(t, err, errStateLocked)
	assert.Nil(t, again)
	assert.Contains(t, err.Error(), "PID "+strconv.Itoa(os.Getpid()))
}

func TestStateLock_Release(t *testing.T) {
	t.Parallel()

	db := filepath.Join(t.TempDir(), "state.db")

	l, err := acquireStateLock(db)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	assert.NoFileExists(t, db+lockSuffix)

	l, err = acquireStateLock(db)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	var none *stateLock
	assert.NoError(t, none.Release())
}

func TestAcquireStateLock_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := acquireStateLock("")
	assert.ErrorContains(t, err, "db_path is empty")
}

func TestLockHolder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.pid")
	require.NoError(t, os.WriteFile(valid, []byte("12345\n"), 0o644))

	pid, err := lockHolder(valid)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	invalid := filepath.Join(dir, "invalid.pid")
	require.NoError(t, os.WriteFile(invalid, []byte("not-a-pid\n"), 0o644))

	_, err = lockHolder(invalid)
	assert.ErrorContains(t, err, "invalid PID")

	_, err = lockHolder(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)
}
