package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oss.nandlabs.io/supervisor/task"
)

func newTestTask(id string) *task.Task {
	return &task.Task{
		ID:       id,
		Type:     task.Custom,
		Status:   task.Pending,
		Priority: 5,
		Command:  "echo hi",
	}
}

func TestSaveAndList(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Hour)
	require.NoError(t, err)

	tk := newTestTask("task-1")
	path, err := s.Save(tk, ReasonAutoRecovery, nil)
	require.NoError(t, err)
	assert.FileExists(t, path)

	matches, err := s.List("task-1")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSaveReport(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Hour)
	require.NoError(t, err)

	path, err := s.SaveReport("task-2", ReasonManualRecoveryRpt, map[string]any{"reason": "max retries"})
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestPruneRemovesOldCheckpoints(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Millisecond)
	require.NoError(t, err)

	tk := newTestTask("task-3")
	_, err = s.Save(tk, ReasonSafeModeFallback, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	removed, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	matches, err := s.List("task-3")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestListOnlyMatchesPrefixedTask(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Hour)
	require.NoError(t, err)

	_, err = s.Save(newTestTask("task-10"), ReasonAutoRecovery, nil)
	require.NoError(t, err)
	_, err = s.Save(newTestTask("task-1"), ReasonAutoRecovery, nil)
	require.NoError(t, err)

	matches, err := s.List("task-1")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
