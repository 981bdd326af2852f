package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oss.nandlabs.io/supervisor/errs"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	tok, err := m.Acquire(TypeWrite, "add_task", false, false)
	require.NoError(t, err)
	require.NotNil(t, tok)

	assert.NoError(t, m.Release(tok))
	assert.Nil(t, m.Status(TypeWrite))
}

func TestConflictingTypeBlocks(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	m.CLIMode = true

	tok, err := m.Acquire(TypeWrite, "add_task", false, false)
	require.NoError(t, err)
	defer m.Release(tok)

	_, err = m.Acquire(TypeMaintenance, "cleanup", false, false)
	assert.ErrorIs(t, err, errs.ErrLockTimeout)
}

func TestStaleLockReclaimed(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	lockDir := filepath.Join(dir, ".write.lock.d")
	require.NoError(t, os.Mkdir(lockDir, 0o755))
	writeFile(t, lockDir, "pid", "999999")
	writeFile(t, lockDir, "timestamp", time.Now().Add(-11*time.Minute).UTC().Format(time.RFC3339))
	writeFile(t, lockDir, "hostname", "somehost")
	writeFile(t, lockDir, "user", "someone")
	writeFile(t, lockDir, "operation", "add_task")
	writeFile(t, lockDir, "lock_type", "write")

	tok, err := m.Acquire(TypeWrite, "add_task", false, false)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), tok.pid)
}

func TestReleaseRefusesNonOwner(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	tok, err := m.Acquire(TypeWrite, "add_task", false, false)
	require.NoError(t, err)

	forged := &Token{dir: tok.dir, pid: tok.pid + 1, typ: TypeWrite}
	assert.ErrorIs(t, m.Release(forged), errs.ErrNotOwner)
}

func TestCleanupStaleIdempotent(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	n, err := m.CleanupStale()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = m.CleanupStale()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWithLockReleasesOnError(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	boom := assert.AnError
	err = m.WithLock(TypeWrite, "add_task", false, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, m.Status(TypeWrite))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestForceUnlock(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	_, err = m.Acquire(TypeWrite, "add_task", false, false)
	require.NoError(t, err)

	require.NoError(t, m.ForceUnlock(TypeWrite))
	assert.Nil(t, m.Status(TypeWrite))
}

func TestBudgetHeavyVsQuick(t *testing.T) {
	assert.Equal(t, 5, budget(false))
	assert.Equal(t, 15, budget(true))
	assert.True(t, strconv.Itoa(budget(true)) == "15")
}
