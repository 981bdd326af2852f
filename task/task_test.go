package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Pending, InProgress))
	assert.True(t, CanTransition(Pending, Failed))
	assert.True(t, CanTransition(InProgress, Completed))
	assert.True(t, CanTransition(Failed, Pending))
	assert.True(t, CanTransition(Timeout, Pending))
	assert.False(t, CanTransition(Completed, Pending))
	assert.False(t, CanTransition(Pending, Completed))
	assert.False(t, CanTransition(Pending, Pending))
}

func TestMarkTransitionInvalid(t *testing.T) {
	tk := &Task{Status: Completed}
	err := tk.MarkTransition(Pending, time.Now())
	assert.ErrorContains(t, err, "invalid_transition")
}

func TestMarkTransitionStampsTimestamp(t *testing.T) {
	tk := &Task{Status: Pending}
	now := time.Now()
	err := tk.MarkTransition(InProgress, now)
	assert.NoError(t, err)
	assert.Equal(t, InProgress, tk.Status)
	assert.NotNil(t, tk.InProgressAt)
	assert.True(t, tk.InProgressAt.Equal(now))
}

func TestRetryEligible(t *testing.T) {
	tk := &Task{Status: Failed, RetryCount: 2, MaxRetries: 3}
	assert.True(t, tk.RetryEligible())
	tk.RetryCount = 3
	assert.False(t, tk.RetryEligible())
	tk.Status = Completed
	tk.RetryCount = 0
	assert.False(t, tk.RetryEligible())
}

func TestValidatePriorityBoundaries(t *testing.T) {
	assert.NoError(t, ValidatePriority(1))
	assert.NoError(t, ValidatePriority(10))
	assert.Error(t, ValidatePriority(0))
	assert.Error(t, ValidatePriority(11))
}

func TestValidateTimeoutBoundaries(t *testing.T) {
	assert.NoError(t, ValidateTimeout(1))
	assert.Error(t, ValidateTimeout(0))
}

func TestDispatchCommand(t *testing.T) {
	custom := &Task{Type: Custom, Command: "do the thing"}
	assert.Equal(t, "do the thing", custom.DispatchCommand("dev"))

	tracker := &Task{Type: TrackerIssue, TrackerNumber: 123}
	assert.Equal(t, "/dev 123", tracker.DispatchCommand("dev"))

	explicit := &Task{Type: TrackerPR, TrackerNumber: 9, Command: "/review 9"}
	assert.Equal(t, "/review 9", explicit.DispatchCommand("dev"))
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("issue-123"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("has a space"))
}
