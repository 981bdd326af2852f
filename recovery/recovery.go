// Package recovery selects and executes a recovery strategy for a
// classified error, per the strategy-selection table: severity, retry
// count, and an auto-recovery flag determine whether a task is retried
// automatically, retried manually, or the whole system is shut down.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"oss.nandlabs.io/supervisor/checkpoint"
	"oss.nandlabs.io/supervisor/classifier"
	"oss.nandlabs.io/supervisor/l3"
	"oss.nandlabs.io/supervisor/task"
)

var logger = l3.Get()

// Strategy names a recovery action chosen for a classified error.
type Strategy string

const (
	EmergencyShutdown Strategy = "emergency_shutdown"
	AutomaticRecovery Strategy = "automatic_recovery"
	ManualRecovery    Strategy = "manual_recovery"
	SimpleRetry       Strategy = "simple_retry"
	SafeRecovery      Strategy = "safe_recovery"
	TimeoutRecovery   Strategy = "timeout_recovery"
)

// DefaultRetryDelay is the sleep applied by simple_retry absent config.
const DefaultRetryDelay = 30 * time.Second

// DefaultMaxTimeoutSeconds caps timeout doubling in timeout_recovery.
const DefaultMaxTimeoutSeconds = 3600

// SessionRecoverer abstracts the session-manager operation needed by
// automatic_recovery: attempt to bring a project's session back to a
// healthy state without losing task context.
type SessionRecoverer interface {
	RecoverSession(ctx context.Context, projectID string) error
}

// Select implements the strategy-selection table for a classified severity,
// current retry count, max retries, and whether automatic recovery is
// enabled.
func Select(severity classifier.Severity, retryCount, maxRetries int, autoRecovery bool) Strategy {
	switch severity {
	case classifier.Critical:
		return EmergencyShutdown
	case classifier.Warning:
		if retryCount >= maxRetries {
			return ManualRecovery
		}
		if autoRecovery {
			return AutomaticRecovery
		}
		return ManualRecovery
	case classifier.Info:
		if retryCount < maxRetries {
			return SimpleRetry
		}
		return SafeRecovery
	default:
		return SafeRecovery
	}
}

// Report is the JSON artifact produced by manual_recovery: a snapshot of
// the task, recent classifier history, and recommended next actions.
type Report struct {
	TaskID            string               `json:"task_id"`
	Task              *task.Task           `json:"task"`
	RecentErrors      []classifier.Record  `json:"recent_errors"`
	RecommendedAction []string             `json:"recommended_actions"`
	GeneratedAt       time.Time            `json:"generated_at"`
}

// Outcome is the result of executing a strategy.
type Outcome struct {
	Strategy      Strategy
	Success       bool
	NewStatus     task.Status
	FailureReason string
	CheckpointPath string
	ReportPath    string
}

// Engine executes recovery strategies and tracks per-(task,strategy)
// attempt counts.
type Engine struct {
	checkpoints *checkpoint.Store
	classifier  *classifier.Classifier
	recoverer   SessionRecoverer

	// RetryDelay is the sleep executeSimpleRetry applies before marking the
	// task pending again. Defaults to DefaultRetryDelay; tests shrink it.
	RetryDelay time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

// NewEngine wires a recovery Engine. recoverer may be nil if automatic
// session recovery is not available; in that case automatic_recovery
// always falls through to rescheduling.
func NewEngine(checkpoints *checkpoint.Store, cl *classifier.Classifier, recoverer SessionRecoverer) *Engine {
	return &Engine{
		checkpoints: checkpoints,
		classifier:  cl,
		recoverer:   recoverer,
		RetryDelay:  DefaultRetryDelay,
		attempts:    make(map[string]int),
	}
}

func (e *Engine) bumpAttempt(taskID string, strategy Strategy) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := fmt.Sprintf("%s_%s", taskID, strategy)
	e.attempts[key]++
	return e.attempts[key]
}

// Attempts returns how many times strategy has been executed for taskID.
func (e *Engine) Attempts(taskID string, strategy Strategy) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[fmt.Sprintf("%s_%s", taskID, strategy)]
}

// Execute runs strategy for t and returns its outcome. ctx governs any
// session-recovery attempt; projectID identifies the owning session for
// automatic_recovery.
func (e *Engine) Execute(ctx context.Context, strategy Strategy, t *task.Task, projectID string) Outcome {
	e.bumpAttempt(t.ID, strategy)

	switch strategy {
	case EmergencyShutdown:
		return e.executeEmergencyShutdown(t)
	case AutomaticRecovery:
		return e.executeAutomaticRecovery(ctx, t, projectID)
	case ManualRecovery:
		return e.executeManualRecovery(t)
	case SimpleRetry:
		return e.executeSimpleRetry(ctx, t)
	case SafeRecovery:
		return e.executeSafeRecovery(t)
	case TimeoutRecovery:
		return e.executeTimeoutRecovery(t)
	default:
		return Outcome{Strategy: strategy, Success: false, FailureReason: "unrecognized_strategy"}
	}
}

func (e *Engine) executeEmergencyShutdown(t *task.Task) Outcome {
	path, err := e.checkpoints.Save(t, checkpoint.ReasonEmergencyShutdown, nil)
	if err != nil {
		logger.ErrorF("recovery: failed to checkpoint before emergency shutdown: %v", err)
	}
	logger.ErrorF("EMERGENCY SHUTDOWN: critical error on task %s", t.ID)
	return Outcome{Strategy: EmergencyShutdown, Success: false, NewStatus: task.Failed, CheckpointPath: path}
}

func (e *Engine) executeAutomaticRecovery(ctx context.Context, t *task.Task, projectID string) Outcome {
	path, err := e.checkpoints.Save(t, checkpoint.ReasonAutoRecovery, nil)
	if err != nil {
		logger.WarnF("recovery: checkpoint failed for %s: %v", t.ID, err)
	}
	if e.recoverer == nil {
		return Outcome{Strategy: AutomaticRecovery, Success: false, NewStatus: task.Pending, CheckpointPath: path}
	}
	if err := e.recoverer.RecoverSession(ctx, projectID); err != nil {
		logger.WarnF("recovery: session recovery failed for project %s: %v", projectID, err)
		return Outcome{Strategy: AutomaticRecovery, Success: false, NewStatus: task.Pending, CheckpointPath: path}
	}
	return Outcome{Strategy: AutomaticRecovery, Success: true, NewStatus: task.InProgress, CheckpointPath: path}
}

func (e *Engine) executeManualRecovery(t *task.Task) Outcome {
	report := &Report{
		TaskID:            t.ID,
		Task:              t,
		RecentErrors:      e.classifier.Recent(10),
		RecommendedAction: []string{"review task context", "check session output", "resubmit via clear/add if resolved"},
		GeneratedAt:       time.Now().UTC(),
	}
	path, err := e.checkpoints.SaveReport(t.ID, checkpoint.ReasonManualRecoveryRpt, report)
	if err != nil {
		logger.WarnF("recovery: failed to write manual recovery report for %s: %v", t.ID, err)
	}
	return Outcome{Strategy: ManualRecovery, Success: false, NewStatus: task.Failed, FailureReason: "manual_recovery_required", ReportPath: path}
}

// executeSimpleRetry sleeps RetryDelay (respecting ctx cancellation) before
// marking the task pending again, per the simple_retry contract.
func (e *Engine) executeSimpleRetry(ctx context.Context, t *task.Task) Outcome {
	delay := e.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	return Outcome{Strategy: SimpleRetry, Success: true, NewStatus: task.Pending}
}

func (e *Engine) executeSafeRecovery(t *task.Task) Outcome {
	path, err := e.checkpoints.Save(t, checkpoint.ReasonSafeModeFallback, nil)
	if err != nil {
		logger.WarnF("recovery: checkpoint failed for %s: %v", t.ID, err)
	}
	return Outcome{Strategy: SafeRecovery, Success: true, NewStatus: task.Failed, FailureReason: "safe_mode_fallback", CheckpointPath: path}
}

func (e *Engine) executeTimeoutRecovery(t *task.Task) Outcome {
	path, err := e.checkpoints.Save(t, checkpoint.ReasonTimeoutRecovery, nil)
	if err != nil {
		logger.WarnF("recovery: checkpoint failed for %s: %v", t.ID, err)
	}
	if t.TimeoutSeconds >= DefaultMaxTimeoutSeconds || t.TimeoutSeconds <= 0 {
		// Already at the cap: fall back to a simple retry instead of an
		// unbounded doubling.
		return Outcome{Strategy: SimpleRetry, Success: true, NewStatus: task.Pending, CheckpointPath: path}
	}
	newTimeout := t.TimeoutSeconds * 2
	if newTimeout > DefaultMaxTimeoutSeconds {
		newTimeout = DefaultMaxTimeoutSeconds
	}
	t.TimeoutSeconds = newTimeout
	return Outcome{Strategy: TimeoutRecovery, Success: true, NewStatus: task.Pending, CheckpointPath: path}
}
