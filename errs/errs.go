// Package errs collects the sentinel error values shared across the
// supervisor's components, following the same package-level errors.New
// convention golly's own lifecycle package uses.
package errs

import "errors"

// Validation errors. Returned immediately to the caller; never mutate state.
var (
	ErrInvalidTaskID       = errors.New("invalid_task_id")
	ErrInvalidTaskType     = errors.New("invalid_task_type")
	ErrInvalidPriority     = errors.New("invalid_priority")
	ErrInvalidTimeout      = errors.New("invalid_timeout")
	ErrInvalidTransition   = errors.New("invalid_transition")
)

// Capacity errors.
var (
	ErrQueueFull    = errors.New("queue_full")
	ErrDuplicateID  = errors.New("duplicate_id")
	ErrNotFound     = errors.New("not_found")
)

// Concurrency errors.
var (
	ErrLockTimeout       = errors.New("lock_timeout")
	ErrNotOwner          = errors.New("not_owner")
	ErrStaleLockCleanup  = errors.New("stale_lock_cleanup")
)

// Persistence errors.
var (
	ErrIO                = errors.New("io_error")
	ErrCorruptDocument   = errors.New("corrupt_document")
	ErrTransientRead     = errors.New("transient_read_error")
)

// External errors.
var (
	ErrSessionUnresponsive   = errors.New("session_unresponsive")
	ErrMultiplexerUnavailable = errors.New("multiplexer_unavailable")
	ErrAssistantCLITimeout   = errors.New("assistant_cli_timeout")
)

// Provider errors.
var (
	ErrUsageLimit = errors.New("usage_limit")
)

// Fatal errors.
var (
	ErrCriticalSystem = errors.New("critical_system_error")
)
