package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oss.nandlabs.io/supervisor/checkpoint"
	"oss.nandlabs.io/supervisor/classifier"
	"oss.nandlabs.io/supervisor/task"
)

func TestSelectStrategyTable(t *testing.T) {
	assert.Equal(t, EmergencyShutdown, Select(classifier.Critical, 0, 3, true))
	assert.Equal(t, AutomaticRecovery, Select(classifier.Warning, 0, 3, true))
	assert.Equal(t, ManualRecovery, Select(classifier.Warning, 0, 3, false))
	assert.Equal(t, ManualRecovery, Select(classifier.Warning, 3, 3, true))
	assert.Equal(t, SimpleRetry, Select(classifier.Info, 0, 3, true))
	assert.Equal(t, SafeRecovery, Select(classifier.Info, 3, 3, true))
	assert.Equal(t, SafeRecovery, Select(classifier.Unknown, 0, 3, true))
}

type fakeRecoverer struct {
	err error
}

func (f *fakeRecoverer) RecoverSession(ctx context.Context, projectID string) error {
	return f.err
}

func newEngine(t *testing.T, recoverer SessionRecoverer) *Engine {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	return NewEngine(store, classifier.New(), recoverer)
}

func testTask() *task.Task {
	return &task.Task{ID: "task-1", Type: task.Custom, Status: task.InProgress, Priority: 5, TimeoutSeconds: 600, MaxRetries: 3}
}

func TestExecuteAutomaticRecoverySuccess(t *testing.T) {
	e := newEngine(t, &fakeRecoverer{})
	out := e.Execute(context.Background(), AutomaticRecovery, testTask(), "proj-1")
	assert.True(t, out.Success)
	assert.Equal(t, task.InProgress, out.NewStatus)
	assert.FileExists(t, out.CheckpointPath)
}

func TestExecuteAutomaticRecoveryFailureReschedules(t *testing.T) {
	e := newEngine(t, &fakeRecoverer{err: assert.AnError})
	out := e.Execute(context.Background(), AutomaticRecovery, testTask(), "proj-1")
	assert.False(t, out.Success)
	assert.Equal(t, task.Pending, out.NewStatus)
}

func TestExecuteManualRecoveryWritesReport(t *testing.T) {
	e := newEngine(t, nil)
	out := e.Execute(context.Background(), ManualRecovery, testTask(), "")
	assert.False(t, out.Success)
	assert.Equal(t, task.Failed, out.NewStatus)
	assert.Equal(t, "manual_recovery_required", out.FailureReason)
	assert.FileExists(t, out.ReportPath)
}

func TestExecuteTimeoutRecoveryDoublesTimeout(t *testing.T) {
	e := newEngine(t, nil)
	tk := testTask()
	tk.TimeoutSeconds = 600
	out := e.Execute(context.Background(), TimeoutRecovery, tk, "")
	assert.True(t, out.Success)
	assert.Equal(t, 1200, tk.TimeoutSeconds)
}

func TestExecuteTimeoutRecoveryFallsBackAtCap(t *testing.T) {
	e := newEngine(t, nil)
	tk := testTask()
	tk.TimeoutSeconds = DefaultMaxTimeoutSeconds
	out := e.Execute(context.Background(), TimeoutRecovery, tk, "")
	assert.Equal(t, SimpleRetry, out.Strategy)
}

func TestAttemptCounterIncrements(t *testing.T) {
	e := newEngine(t, nil)
	e.RetryDelay = time.Millisecond
	tk := testTask()
	e.Execute(context.Background(), SimpleRetry, tk, "")
	e.Execute(context.Background(), SimpleRetry, tk, "")
	assert.Equal(t, 2, e.Attempts(tk.ID, SimpleRetry))
}

func TestExecuteSimpleRetrySleepsRetryDelay(t *testing.T) {
	e := newEngine(t, nil)
	e.RetryDelay = 20 * time.Millisecond
	start := time.Now()
	out := e.Execute(context.Background(), SimpleRetry, testTask(), "")
	assert.True(t, out.Success)
	assert.Equal(t, task.Pending, out.NewStatus)
	assert.GreaterOrEqual(t, time.Since(start), e.RetryDelay)
}

func TestExecuteSimpleRetryRespectsContextCancellation(t *testing.T) {
	e := newEngine(t, nil)
	e.RetryDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	out := e.Execute(ctx, SimpleRetry, testTask(), "")
	assert.True(t, out.Success)
	assert.Less(t, time.Since(start), time.Second)
}
