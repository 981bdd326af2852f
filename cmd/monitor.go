// Package cmd wires the supervisor's components into the command-line
// surface, built on golly's cli framework.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"oss.nandlabs.io/supervisor/checkpoint"
	"oss.nandlabs.io/supervisor/classifier"
	"oss.nandlabs.io/supervisor/cli"
	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/l3"
	"oss.nandlabs.io/supervisor/lifecycle"
	"oss.nandlabs.io/supervisor/lock"
	"oss.nandlabs.io/supervisor/monitor"
	"oss.nandlabs.io/supervisor/queue"
	"oss.nandlabs.io/supervisor/recovery"
	"oss.nandlabs.io/supervisor/session"
	"oss.nandlabs.io/supervisor/supervisorconfig"
	"oss.nandlabs.io/supervisor/task"
	"oss.nandlabs.io/supervisor/usagelimit"
)

var logger = l3.Get()

const version = "1.0.0"

// Exit codes per the command-line surface contract.
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitValidationError = 2
	ExitUsageLimitCheck = 3
	ExitInterrupted     = 130
)

// Build assembles the CLI application. The binary is invoked as
// `supervisor monitor [flags]`; "monitor" is the single root command, with
// every documented flag attached to it.
func Build() *cli.CLI {
	app := cli.NewCLI()
	app.AddVersion(version)

	monitorCmd := cli.NewCommand("monitor", "Supervise a queued assistant session", version, runMonitor)
	monitorCmd.Flags = []*cli.Flag{
		{Name: "continuous", Usage: "run the check cycle forever on the configured interval", Default: "false"},
		{Name: "check-interval", Usage: "minutes between cycles", Default: ""},
		{Name: "max-cycles", Usage: "stop after N cycles (0 = unbounded)", Default: "0"},
		{Name: "queue-mode", Usage: "perform the requested queue operation only, skip the cycle", Default: "false"},
		{Name: "add-issue", Usage: "queue a tracker_issue task by number", Default: ""},
		{Name: "add-pr", Usage: "queue a tracker_pr task by number", Default: ""},
		{Name: "add-custom", Usage: "queue a custom task with a free-form description", Default: ""},
		{Name: "list-queue", Usage: "print queued tasks", Default: "false"},
		{Name: "clear-queue", Usage: "remove every queued task", Default: "false"},
		{Name: "pause-queue", Usage: "pause dispatch", Default: "false"},
		{Name: "resume-queue", Usage: "resume dispatch", Default: "false"},
		{Name: "skip-current", Usage: "fail the in-progress task and move on", Default: "false"},
		{Name: "retry-current", Usage: "requeue the in-progress task", Default: "false"},
		{Name: "queue-timeout", Usage: "timeout seconds for the next added task (60..86400)", Default: ""},
		{Name: "queue-retries", Usage: "max retries for the next added task (0..10)", Default: ""},
		{Name: "queue-priority", Usage: "priority for the next added task (1..10)", Default: ""},
		{Name: "config", Usage: "path to the JSON configuration file", Default: ""},
		{Name: "dry-run", Usage: "report what would happen without mutating state", Default: "false"},
		{Name: "debug", Usage: "log a note on enabling Debug-level l3 output; does not change the log level", Default: "false"},
		{Name: "project", Usage: "project name for the supervised session", Default: "default"},
		{Name: "project-dir", Usage: "working directory of the supervised session", Default: "."},
		{Name: "queue-dir", Usage: "directory holding the queue document and locks", Default: "./queue"},
	}
	app.AddCommand(monitorCmd)
	return app
}

func flagBool(ctx *cli.Context, name string) bool {
	v, _ := ctx.GetFlag(name)
	return v == "true"
}

func flagInt(ctx *cli.Context, name string) (int, bool) {
	v, ok := ctx.GetFlag(name)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExitError carries the process exit code that should accompany an error
// returned from a command action, per the exit-code contract.
type ExitError struct {
	code int
	err  error
}

func (e *ExitError) Error() string { return e.err.Error() }

// Code returns the process exit code associated with this error.
func (e *ExitError) Code() int { return e.code }

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error { return e.err }

func exitError(code int, err error) *ExitError {
	return &ExitError{code: code, err: err}
}

func runMonitor(ctx *cli.Context) error {
	if flagBool(ctx, "debug") {
		logger.Info("debug logging requested; configure l3 with a Debug-level writer for verbose output")
	}

	queueDir, _ := ctx.GetFlag("queue-dir")
	configPath, _ := ctx.GetFlag("config")

	cfg := supervisorconfig.Default()
	if configPath != "" {
		loaded, err := supervisorconfig.Load(configPath)
		if err != nil {
			return exitError(ExitValidationError, err)
		}
		cfg = loaded
	}
	if n, ok := flagInt(ctx, "check-interval"); ok {
		cfg.CheckIntervalMinutes = n
	}

	locks, err := lock.NewManager(queueDir)
	if err != nil {
		return exitError(ExitGeneralError, err)
	}

	q, err := queue.NewStore(queue.Options{Dir: queueDir})
	if err != nil {
		return exitError(ExitGeneralError, err)
	}

	if handled, code, err := runQueueOps(ctx, q, locks); handled {
		if err != nil {
			return exitError(code, err)
		}
		return nil
	}
	if flagBool(ctx, "queue-mode") {
		return nil
	}

	mux, err := session.NewTmuxMultiplexer()
	if err != nil {
		return exitError(ExitGeneralError, err)
	}
	sessions, err := session.NewManager(mux, session.Config{
		MaxTrackedSessions: cfg.MaxTrackedSessions,
		MaxRestarts:        cfg.MaxRestarts,
		RecoveryDelay:      time.Duration(cfg.RecoveryDelay) * time.Second,
	})
	if err != nil {
		return exitError(ExitGeneralError, err)
	}

	cp, err := checkpoint.NewStore(queueDir+"/checkpoints", time.Duration(cfg.TaskBackupRetentionDays)*24*time.Hour)
	if err != nil {
		return exitError(ExitGeneralError, err)
	}

	cl := classifier.New()
	eng := recovery.NewEngine(cp, cl, sessions)
	if cfg.TaskRetryDelay > 0 {
		eng.RetryDelay = time.Duration(cfg.TaskRetryDelay) * time.Second
	}

	projectName, _ := ctx.GetFlag("project")
	projectDir, _ := ctx.GetFlag("project-dir")

	loop := monitor.New(monitor.Deps{
		Queue:       q,
		Sessions:    sessions,
		Classifier:  cl,
		Recovery:    eng,
		UsageLimit:  usagelimit.NewStore(queueDir),
		Checkpoints: cp,
		Config:      cfg,
		Project:     monitor.Project{Name: projectName, WorkingDir: projectDir},
	}, int64(mustInt(ctx, "max-cycles")))

	runCtx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if flagBool(ctx, "continuous") {
		// sessions and loop both implement lifecycle.Component; registering
		// them on a manager gives StartAll/StopAll a real aggregate shutdown
		// instead of the two direct loop.Start()/loop.Stop() calls this
		// replaced.
		components := lifecycle.NewSimpleComponentManager()
		components.Register(sessions)
		components.Register(loop)

		if err := components.StartAll(); err != nil {
			return exitError(ExitGeneralError, err)
		}

		select {
		case <-runCtx.Done():
			if err := components.StopAll(); err != nil {
				return exitError(ExitGeneralError, err)
			}
			return exitError(ExitInterrupted, fmt.Errorf("interrupted"))
		case <-loop.Shutdown():
			fmt.Fprintln(os.Stderr, "=== EMERGENCY SHUTDOWN ===")
			fmt.Fprintln(os.Stderr, loop.ShutdownMessage())
			if err := components.StopAll(); err != nil {
				logger.ErrorF("monitor: error stopping components during emergency shutdown: %v", err)
			}
			return exitError(ExitGeneralError, errs.ErrCriticalSystem)
		}
	}

	if err := loop.RunOnce(runCtx); err != nil {
		if errors.Is(err, errs.ErrCriticalSystem) {
			fmt.Fprintln(os.Stderr, "=== EMERGENCY SHUTDOWN ===")
			fmt.Fprintln(os.Stderr, loop.ShutdownMessage())
		}
		return exitError(ExitGeneralError, err)
	}
	return nil
}

func mustInt(ctx *cli.Context, name string) int {
	n, _ := flagInt(ctx, name)
	return n
}

// runQueueOps handles every flag that mutates or inspects the queue
// directly, without starting a session or a cycle. Returns handled=true if
// one of these flags was present.
func runQueueOps(ctx *cli.Context, q *queue.Store, locks *lock.Manager) (handled bool, code int, err error) {
	if issue, ok := flagInt(ctx, "add-issue"); ok {
		code, err = addTask(ctx, q, locks, task.TrackerIssue, issue, "")
		return true, code, err
	}
	if pr, ok := flagInt(ctx, "add-pr"); ok {
		code, err = addTask(ctx, q, locks, task.TrackerPR, pr, "")
		return true, code, err
	}
	if desc, ok := ctx.GetFlag("add-custom"); ok && desc != "" {
		code, err = addTask(ctx, q, locks, task.Custom, 0, desc)
		return true, code, err
	}
	if flagBool(ctx, "list-queue") {
		tasks, err := q.List(queue.Filter{})
		if err != nil {
			return true, ExitGeneralError, err
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\tpriority=%d\n", t.ID, t.Type, t.Status, t.Priority)
		}
		return true, 0, nil
	}
	if flagBool(ctx, "clear-queue") {
		if err := locks.WithLock(lock.TypeBatch, "clear-queue", true, func() error {
			return q.Clear(true)
		}); err != nil {
			return true, ExitGeneralError, err
		}
		return true, 0, nil
	}
	if flagBool(ctx, "pause-queue") {
		code, err = applyQueueState(q, locks, true)
		return true, code, err
	}
	if flagBool(ctx, "resume-queue") {
		code, err = applyQueueState(q, locks, false)
		return true, code, err
	}
	if flagBool(ctx, "skip-current") {
		code, err = updateCurrent(q, locks, task.Failed, "skipped by operator")
		return true, code, err
	}
	if flagBool(ctx, "retry-current") {
		code, err = updateCurrent(q, locks, task.Pending, "retried by operator")
		return true, code, err
	}
	return false, 0, nil
}

func applyQueueState(q *queue.Store, locks *lock.Manager, paused bool) (int, error) {
	err := locks.WithLock(lock.TypeWrite, "set-paused", false, func() error {
		return q.SetPaused(paused)
	})
	if err != nil {
		return ExitGeneralError, err
	}
	return 0, nil
}

func updateCurrent(q *queue.Store, locks *lock.Manager, to task.Status, detail string) (int, error) {
	tasks, err := q.List(queue.Filter{Status: task.InProgress})
	if err != nil {
		return ExitGeneralError, err
	}
	if len(tasks) == 0 {
		return ExitValidationError, fmt.Errorf("no task in progress")
	}
	err = locks.WithLock(lock.TypeWrite, "update-current", false, func() error {
		return q.UpdateStatus(tasks[0].ID, to, detail)
	})
	if err != nil {
		return ExitGeneralError, err
	}
	return 0, nil
}

func addTask(ctx *cli.Context, q *queue.Store, locks *lock.Manager, typ task.Type, number int, description string) (int, error) {
	priority := task.MinPriority
	if p, ok := flagInt(ctx, "queue-priority"); ok {
		priority = p
	}
	opts := queue.TaskOptions{Description: description, TrackerNumber: number}
	if to, ok := flagInt(ctx, "queue-timeout"); ok {
		if to < 60 || to > 86400 {
			return ExitValidationError, fmt.Errorf("queue-timeout must be within 60..86400")
		}
		opts.TimeoutSeconds = to
	}
	if r, ok := flagInt(ctx, "queue-retries"); ok {
		if r < 0 || r > 10 {
			return ExitValidationError, fmt.Errorf("queue-retries must be within 0..10")
		}
		opts.MaxRetries = r
	}

	var id string
	err := locks.WithLock(lock.TypeWrite, "add-task", false, func() error {
		newID, err := q.Add(typ, priority, "", opts)
		id = newID
		return err
	})
	if err != nil {
		return ExitValidationError, err
	}
	fmt.Println(id)
	return 0, nil
}
