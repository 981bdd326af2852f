// Package task defines the atomic unit of work the queue store persists and
// the monitor loop dispatches: its fields, its status state machine, and the
// validation constraints enforced on add/import.
package task

import (
	"regexp"
	"strconv"
	"time"

	"oss.nandlabs.io/supervisor/errs"
)

// Type identifies where a task's dispatch command comes from.
type Type string

const (
	TrackerIssue Type = "tracker_issue"
	TrackerPR    Type = "tracker_pr"
	Custom       Type = "custom"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Timeout    Status = "timeout"
)

const (
	DefaultTimeoutSeconds = 3600
	DefaultMaxRetries     = 3
	MinPriority           = 1
	MaxPriority           = 10
	MaxIDLen              = 100
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// transitions enumerates every status change accepted by UpdateStatus.
// Anything not listed here fails with errs.ErrInvalidTransition.
var transitions = map[Status]map[Status]bool{
	Pending:    {InProgress: true, Failed: true},
	InProgress: {Completed: true, Failed: true, Timeout: true},
	Failed:     {Pending: true},
	Timeout:    {Pending: true},
	Completed:  {},
}

// CanTransition reports whether moving from "from" to "to" is a legal
// status transition per the state machine in §3 of the task lifecycle.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Task is the atomic unit of work the queue store persists.
//
// codec/validator's "min"/"max" tags are exclusive of the bound (value must
// be strictly greater/less than param); "exclusiveMin"/"exclusiveMax" are the
// inclusive ones. The tags below use exclusiveMin/exclusiveMax and an
// inflated max-length to land on the inclusive bounds the field comments
// describe.
type Task struct {
	ID     string `json:"id" constraints:"notnull=true;max-length=101;pattern=^[A-Za-z0-9_-]+$"`
	Type   Type   `json:"type" constraints:"enum=tracker_issue,tracker_pr,custom"`
	Status Status `json:"status"`

	// Priority is in [MinPriority, MaxPriority], inclusive.
	Priority int `json:"priority" constraints:"exclusiveMin=1;exclusiveMax=10"`

	CreatedAt    time.Time  `json:"created_at"`
	PendingAt    *time.Time `json:"pending_at,omitempty"`
	InProgressAt *time.Time `json:"in_progress_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	TimeoutAt    *time.Time `json:"timeout_at,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds" constraints:"exclusiveMin=1"`
	RetryCount     int `json:"retry_count"`
	MaxRetries     int `json:"max_retries"`

	Command string `json:"command,omitempty"`

	TrackerNumber int      `json:"tracker_number,omitempty"`
	Title         string   `json:"title,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	Description   string   `json:"description,omitempty"`

	LastErrorMessage string     `json:"last_error_message,omitempty"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// ValidateID reports whether id satisfies the task id format.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLen || !idPattern.MatchString(id) {
		return errs.ErrInvalidTaskID
	}
	return nil
}

// ValidatePriority reports whether p is within [MinPriority, MaxPriority].
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return errs.ErrInvalidPriority
	}
	return nil
}

// ValidateTimeout reports whether a timeout in seconds is positive.
func ValidateTimeout(seconds int) error {
	if seconds <= 0 {
		return errs.ErrInvalidTimeout
	}
	return nil
}

// ValidateType reports whether t is a recognized task type.
func ValidateType(t Type) error {
	switch t {
	case TrackerIssue, TrackerPR, Custom:
		return nil
	default:
		return errs.ErrInvalidTaskType
	}
}

// RetryEligible reports whether the task may be retried: it must be in a
// terminal failure state and have retries remaining.
func (t *Task) RetryEligible() bool {
	if t.Status != Failed && t.Status != Timeout {
		return false
	}
	return t.RetryCount < t.MaxRetries
}

// MarkTransition stamps the timestamp field for the given new status and
// returns errs.ErrInvalidTransition if the move isn't legal.
func (t *Task) MarkTransition(to Status, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return errs.ErrInvalidTransition
	}
	t.Status = to
	switch to {
	case Pending:
		t.PendingAt = &at
	case InProgress:
		t.InProgressAt = &at
	case Completed:
		t.CompletedAt = &at
	case Failed:
		t.FailedAt = &at
	case Timeout:
		t.TimeoutAt = &at
	}
	return nil
}

// DispatchCommand returns the text that gets transmitted to the assistant
// session for this task, deriving it for tracker types from their verb/number.
func (t *Task) DispatchCommand(verb string) string {
	if t.Type == Custom {
		return t.Command
	}
	if t.Command != "" {
		return t.Command
	}
	return "/" + verb + " " + strconv.Itoa(t.TrackerNumber)
}
