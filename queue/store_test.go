package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(Options{Dir: dir})
	require.NoError(t, err)
	return s
}

func TestPriorityDispatchOrdering(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Add(task.Custom, 5, "a", TaskOptions{Command: "x"})
	require.NoError(t, err)
	_, err = s.Add(task.Custom, 2, "b", TaskOptions{Command: "x"})
	require.NoError(t, err)
	_, err = s.Add(task.Custom, 2, "c", TaskOptions{Command: "x"})
	require.NoError(t, err)

	id, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	require.NoError(t, s.UpdateStatus("b", task.InProgress, ""))
	require.NoError(t, s.UpdateStatus("b", task.Completed, ""))

	id, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "c", id)
}

func TestDuplicateIDRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(task.Custom, 1, "dup", TaskOptions{Command: "x"})
	require.NoError(t, err)
	_, err = s.Add(task.Custom, 1, "dup", TaskOptions{Command: "x"})
	assert.ErrorIs(t, err, errs.ErrDuplicateID)
}

func TestQueueFull(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{Dir: dir, MaxSize: 1})
	require.NoError(t, err)
	_, err = s.Add(task.Custom, 1, "a", TaskOptions{Command: "x"})
	require.NoError(t, err)
	_, err = s.Add(task.Custom, 1, "b", TaskOptions{Command: "x"})
	assert.ErrorIs(t, err, errs.ErrQueueFull)
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(task.Custom, 1, "a", TaskOptions{Command: "x"})
	require.NoError(t, err)
	err = s.UpdateStatus("a", task.Completed, "")
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestUpdateStatusIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(task.Custom, 1, "a", TaskOptions{Command: "x"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus("a", task.InProgress, ""))
	require.NoError(t, s.UpdateStatus("a", task.InProgress, ""))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, task.InProgress, got.Status)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	exported, err := s.Export()
	require.NoError(t, err)
	assert.Empty(t, exported)

	require.NoError(t, s.Import(exported))
	again, err := s.Export()
	require.NoError(t, err)
	assert.Equal(t, exported, again)
}

func TestInvalidPriorityRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(task.Custom, 0, "a", TaskOptions{Command: "x"})
	require.Error(t, err)
	_, err = s.Add(task.Custom, 11, "b", TaskOptions{Command: "x"})
	require.Error(t, err)
}

func TestImportRejectsOutOfBoundsTimeout(t *testing.T) {
	s := newTestStore(t)
	bad := []*task.Task{{
		ID:             "a",
		Type:           task.Custom,
		Status:         task.Pending,
		Priority:       1,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: 0,
		Command:        "x",
	}}
	err := s.Import(bad)
	require.Error(t, err)
}

func TestClearCreatesBackup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(task.Custom, 1, "a", TaskOptions{Command: "x"})
	require.NoError(t, err)
	require.NoError(t, s.Clear(true))

	list, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.LatestValidBackup()
	assert.NoError(t, err)
}
