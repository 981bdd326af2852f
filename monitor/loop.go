// Package monitor implements the supervisor's periodic check cycle: usage
// limit precheck, session health, task dispatch, task execution with
// output polling, and classified recovery on failure.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"oss.nandlabs.io/supervisor/checkpoint"
	"oss.nandlabs.io/supervisor/chrono"
	"oss.nandlabs.io/supervisor/classifier"
	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/l3"
	"oss.nandlabs.io/supervisor/lifecycle"
	"oss.nandlabs.io/supervisor/queue"
	"oss.nandlabs.io/supervisor/recovery"
	"oss.nandlabs.io/supervisor/session"
	"oss.nandlabs.io/supervisor/supervisorconfig"
	"oss.nandlabs.io/supervisor/task"
	"oss.nandlabs.io/supervisor/usagelimit"
)

var logger = l3.Get()

const cycleJobID = "monitor-cycle"

// Project identifies which project's session the loop drives.
type Project struct {
	Name       string
	WorkingDir string
}

// Deps wires the loop to the components it orchestrates.
type Deps struct {
	Queue       *queue.Store
	Sessions    *session.Manager
	Classifier  *classifier.Classifier
	Recovery    *recovery.Engine
	UsageLimit  *usagelimit.Store
	Checkpoints *checkpoint.Store
	Config      *supervisorconfig.Config
	Project     Project
}

// Loop drives the one-cycle algorithm on a fixed interval. It implements
// lifecycle.Component so it can be registered alongside other components.
type Loop struct {
	*lifecycle.SimpleComponent

	deps      Deps
	scheduler chrono.Scheduler

	// PollInterval governs how often executeTask re-captures session
	// output while waiting for the completion sentinel. Defaults to 10s;
	// tests shrink it to avoid real-time waits.
	PollInterval time.Duration

	cyclesRun   atomic.Int64
	maxCycles   int64
	occurrences int
	mu          sync.Mutex

	shutdownC    chan struct{}
	shutdownOnce sync.Once
	shutdownMu   sync.Mutex
	shutdownMsg  string

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Loop. maxCycles <= 0 means unbounded.
func New(deps Deps, maxCycles int64) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		deps:         deps,
		scheduler:    chrono.New(),
		maxCycles:    maxCycles,
		PollInterval: 10 * time.Second,
		shutdownC:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	l.SimpleComponent = &lifecycle.SimpleComponent{
		CompId:    "monitor-loop",
		StartFunc: l.startScheduler,
		StopFunc:  l.stopScheduler,
	}
	return l
}

func (l *Loop) startScheduler() error {
	if err := l.scheduler.Start(); err != nil {
		return err
	}
	interval := l.deps.Config.CheckInterval()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return l.scheduler.AddIntervalJob(cycleJobID, "monitor cycle", l.runCycleJob, interval)
}

func (l *Loop) stopScheduler() error {
	l.cancel()
	return l.scheduler.Stop()
}

// RunOnce executes a single cycle synchronously, for CLI-driven one-shot
// invocations (`monitor` without `--continuous`).
func (l *Loop) RunOnce(ctx context.Context) error {
	return l.runCycle(ctx)
}

func (l *Loop) runCycleJob(ctx context.Context) error {
	if l.maxCycles > 0 && l.cyclesRun.Load() >= l.maxCycles {
		_ = l.scheduler.PauseJob(cycleJobID)
		return nil
	}
	err := l.runCycle(ctx)
	l.cyclesRun.Add(1)
	return err
}

// runCycle performs one pass of the supervisor algorithm: usage-limit
// precheck, session health, dispatch, execute.
func (l *Loop) runCycle(ctx context.Context) error {
	handled, err := l.precheckUsageLimit(ctx)
	if err != nil {
		logger.WarnF("monitor: usage-limit precheck failed: %v", err)
	}
	if handled {
		return nil
	}

	sessionID, ok := l.ensureSessionHealthy(ctx)
	if !ok {
		return nil
	}

	taskID, err := l.deps.Queue.Next()
	if err != nil {
		return nil
	}

	return l.executeTask(ctx, sessionID, taskID)
}

// precheckUsageLimit implements step 1 of the cycle: if a pause marker is
// active, block out the remainder of the wait (interruptibly) and clear
// it, reporting that this cycle should do nothing further.
func (l *Loop) precheckUsageLimit(ctx context.Context) (bool, error) {
	marker, err := l.deps.UsageLimit.Read()
	if err != nil || marker == nil {
		return false, err
	}

	now := time.Now()
	if now.Before(marker.EstimatedResumeTime) {
		remaining := marker.EstimatedResumeTime.Sub(now)
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return true, nil
		}
	}

	if err := l.deps.UsageLimit.Clear(); err != nil {
		logger.WarnF("monitor: failed to clear usage-limit marker: %v", err)
	}
	if err := l.deps.Queue.SetPaused(false); err != nil {
		logger.WarnF("monitor: failed to unpause queue: %v", err)
	}
	return true, nil
}

// ensureSessionHealthy implements step 2: find or start the project's
// session, branch to a usage-limit pause on usage_limited, and attempt
// recovery on unhealthy states.
func (l *Loop) ensureSessionHealthy(ctx context.Context) (string, bool) {
	sessionID, found := l.deps.Sessions.FindByProject(projectIDFor(l.deps.Project))
	if !found {
		id, err := l.deps.Sessions.StartSession(ctx, l.deps.Project.Name, l.deps.Project.WorkingDir)
		if err != nil {
			logger.ErrorF("monitor: failed to start session for %s: %v", l.deps.Project.Name, err)
			return "", false
		}
		return id, true
	}

	detected, res, err := l.deps.Sessions.DetectUsageLimit(ctx, sessionID)
	if err == nil && detected {
		l.pauseForUsageLimit(res, "")
		return "", false
	}

	state, err := l.deps.Sessions.HealthCheck(ctx, sessionID)
	if err != nil {
		return "", false
	}
	if state != session.Running && l.deps.Config.AutoRecoveryEnabled {
		if err := l.deps.Sessions.RecoverSession(ctx, projectIDFor(l.deps.Project)); err != nil {
			logger.WarnF("monitor: session recovery failed: %v", err)
			return "", false
		}
	} else if state != session.Running {
		return "", false
	}
	return sessionID, true
}

// executeTask implements step 4: dispatch the command, poll for the
// completion sentinel / error / usage-limit patterns, and classify+recover
// on any anomaly.
func (l *Loop) executeTask(ctx context.Context, sessionID, taskID string) error {
	t, err := l.deps.Queue.Get(taskID)
	if err != nil {
		return err
	}
	if err := l.deps.Queue.UpdateStatus(taskID, task.InProgress, ""); err != nil {
		return err
	}
	if l.deps.Config.QueueSessionClearBetweenTasks {
		_ = l.deps.Sessions.SendCommand(ctx, sessionID, "/clear")
	}
	if err := l.deps.Sessions.SendCommand(ctx, sessionID, t.Command); err != nil {
		return err
	}

	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	deadline := time.Now().Add(timeout)
	pollInterval := l.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	lastProgress := time.Now()
	sentinel := l.deps.Config.TaskCompletionPattern
	if sentinel == "" {
		sentinel = "###TASK_COMPLETE###"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return l.handleTimeout(ctx, t)
		}

		output, err := l.deps.Sessions.CaptureOutput(ctx, sessionID)
		if err != nil {
			return err
		}

		if strings.Contains(output, sentinel) {
			return l.deps.Queue.UpdateStatus(taskID, task.Completed, "")
		}

		res := usagelimit.Parse(output, time.Now(), usagelimit.Options{
			MaxWait:      time.Duration(l.deps.Config.MaxWaitTime) * time.Second,
			BaseCooldown: time.Duration(l.deps.Config.UsageLimitCooldown) * time.Second,
			BackoffFactor: l.deps.Config.BackoffFactor,
		})
		if res.Detected {
			l.pauseForUsageLimit(res, taskID)
			return nil
		}

		if errMsg := detectTaskError(output); errMsg != "" {
			return l.handleTaskError(ctx, t, errMsg)
		}

		if time.Since(lastProgress) > 60*time.Second {
			logger.InfoF("monitor: task %s still running", taskID)
			lastProgress = time.Now()
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// detectTaskError is a light heuristic: error-classifier pattern groups
// cover the real work, this just decides whether output is worth
// classifying at all.
func detectTaskError(output string) string {
	lower := strings.ToLower(output)
	for _, marker := range []string{"error:", "exception", "traceback", "fatal:"} {
		if strings.Contains(lower, marker) {
			return output
		}
	}
	return ""
}

func (l *Loop) handleTaskError(ctx context.Context, t *task.Task, errMsg string) error {
	rec := l.deps.Classifier.Classify(errMsg, t.ID, time.Now())
	strategy := recovery.Select(rec.Severity, t.RetryCount, t.MaxRetries, l.deps.Config.AutoRecoveryEnabled)
	outcome := l.deps.Recovery.Execute(ctx, strategy, t, projectIDFor(l.deps.Project))
	return l.applyOutcome(t.ID, outcome)
}

func (l *Loop) handleTimeout(ctx context.Context, t *task.Task) error {
	l.deps.Classifier.Classify("task execution timeout", t.ID, time.Now())
	outcome := l.deps.Recovery.Execute(ctx, recovery.TimeoutRecovery, t, projectIDFor(l.deps.Project))
	return l.applyOutcome(t.ID, outcome)
}

func (l *Loop) applyOutcome(taskID string, outcome recovery.Outcome) error {
	detail := outcome.FailureReason
	if detail == "" {
		detail = string(outcome.Strategy)
	}
	if err := l.deps.Queue.UpdateStatus(taskID, outcome.NewStatus, detail); err != nil {
		return err
	}
	if outcome.Strategy == recovery.EmergencyShutdown {
		return l.shutdownForCriticalError(taskID)
	}
	return nil
}

// systemBackup is the combined queue-document-plus-session-registry
// snapshot taken on emergency_shutdown, in addition to the per-task
// checkpoint the recovery engine already wrote.
type systemBackup struct {
	Tasks     []*task.Task       `json:"tasks"`
	Sessions  []session.Snapshot `json:"sessions"`
	CreatedAt time.Time          `json:"created_at"`
}

func (l *Loop) saveSystemBackup() (string, error) {
	tasks, err := l.deps.Queue.Export()
	if err != nil {
		return "", err
	}
	backup := systemBackup{
		Tasks:     tasks,
		Sessions:  l.deps.Sessions.Snapshot(),
		CreatedAt: time.Now().UTC(),
	}
	return l.deps.Checkpoints.SaveReport("system", checkpoint.ReasonEmergencyShutdown, backup)
}

// shutdownForCriticalError implements the emergency_shutdown side effects
// beyond the recovery engine's own per-task checkpoint: pause the queue,
// write a system-wide backup, stop the cycle schedule without blocking on
// the scheduler's own WaitGroup (this runs from inside a scheduled job), and
// signal Shutdown() so the process driving the loop can exit non-zero.
func (l *Loop) shutdownForCriticalError(taskID string) error {
	if err := l.deps.Queue.SetPaused(true); err != nil {
		logger.WarnF("monitor: failed to pause queue during emergency shutdown: %v", err)
	}

	backupPath, err := l.saveSystemBackup()
	if err != nil {
		logger.WarnF("monitor: failed to write system backup during emergency shutdown: %v", err)
	}

	_ = l.scheduler.PauseJob(cycleJobID)

	msg := fmt.Sprintf("EMERGENCY SHUTDOWN: critical error on task %s; queue paused; system backup at %s", taskID, backupPath)
	logger.ErrorF(msg)
	l.triggerShutdown(msg)

	return errs.ErrCriticalSystem
}

// Shutdown returns a channel that closes the first time an
// emergency_shutdown outcome pauses the queue and halts the cycle schedule.
// A continuous-mode caller selects on this alongside its own context to
// learn it must stop the loop and exit non-zero.
func (l *Loop) Shutdown() <-chan struct{} {
	return l.shutdownC
}

// ShutdownMessage returns the banner logged for the triggering shutdown, or
// "" if Shutdown's channel hasn't closed yet.
func (l *Loop) ShutdownMessage() string {
	l.shutdownMu.Lock()
	defer l.shutdownMu.Unlock()
	return l.shutdownMsg
}

func (l *Loop) triggerShutdown(msg string) {
	l.shutdownMu.Lock()
	l.shutdownMsg = msg
	l.shutdownMu.Unlock()
	l.shutdownOnce.Do(func() { close(l.shutdownC) })
}

// pauseForUsageLimit implements §4.4's pause sequence: write the marker,
// pause the queue, checkpoint the current task.
func (l *Loop) pauseForUsageLimit(res usagelimit.Result, taskID string) {
	l.mu.Lock()
	l.occurrences++
	occurrence := l.occurrences
	l.mu.Unlock()

	now := time.Now()
	marker := usagelimit.NewMarker(taskID, now, res, occurrence)
	if err := l.deps.UsageLimit.Write(marker); err != nil {
		logger.WarnF("monitor: failed to write usage-limit marker: %v", err)
	}
	if err := l.deps.Queue.SetPaused(true); err != nil {
		logger.WarnF("monitor: failed to pause queue: %v", err)
	}
	if taskID != "" {
		if t, err := l.deps.Queue.Get(taskID); err == nil {
			_, _ = l.deps.Checkpoints.Save(t, checkpoint.ReasonUsageLimit, map[string]any{
				"wait_seconds": res.WaitSeconds,
				"pattern":      res.Pattern,
			})
		}
	}
}

func projectIDFor(p Project) string {
	return session.DeriveProjectID(p.WorkingDir)
}
