package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"oss.nandlabs.io/supervisor/collections"
	"oss.nandlabs.io/supervisor/fnutils"
	"oss.nandlabs.io/supervisor/lifecycle"
	"oss.nandlabs.io/supervisor/l3"
	"oss.nandlabs.io/supervisor/managers"
	"oss.nandlabs.io/supervisor/pool"
	"oss.nandlabs.io/supervisor/usagelimit"
)

var logger = l3.Get()

const (
	DefaultMaxTrackedSessions = 100
	DefaultMaxRestarts        = 3
	DefaultRecoveryDelay      = 15 * time.Second
	DefaultResumeCommand      = "continue"
	DefaultCaptureLines       = 200

	stoppedEvictAge = 30 * time.Minute
	errorEvictAge   = 15 * time.Minute
)

// Config tunes Manager behavior; zero values take the package defaults.
type Config struct {
	MaxTrackedSessions int
	MaxRestarts        int
	RecoveryDelay      time.Duration
	ResumeCommand      string
	SessionFileDir     string
	CaptureLines       int
}

func (c Config) withDefaults() Config {
	if c.MaxTrackedSessions <= 0 {
		c.MaxTrackedSessions = DefaultMaxTrackedSessions
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = DefaultRecoveryDelay
	}
	if c.ResumeCommand == "" {
		c.ResumeCommand = DefaultResumeCommand
	}
	if c.SessionFileDir == "" {
		c.SessionFileDir = os.Getenv("HOME")
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = DefaultCaptureLines
	}
	return c
}

// Manager owns the in-process session registry and drives the
// multiplexer adapter. It embeds *lifecycle.SimpleComponent and implements
// lifecycle.Component through it (its own StartSession/StopSession methods
// take session-specific arguments and are deliberately named apart from the
// promoted zero-arg Start/Stop, so they can't shadow them); a
// lifecycle.ComponentManager can register a Manager to drain tracked
// sessions on process shutdown via StopFunc.
type Manager struct {
	*lifecycle.SimpleComponent

	mux  Multiplexer
	cfg  Config
	mu   sync.Mutex

	byID      managers.ItemManager[*Session]
	byProject managers.ItemManager[string]
	bufPool   pool.Pool[[]byte]
}

// NewManager wires a Manager around a Multiplexer adapter.
func NewManager(mux Multiplexer, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	bufPool, err := pool.NewPool(
		func() ([]byte, error) { return make([]byte, 0, 4096), nil },
		func([]byte) error { return nil },
		2, 32, 2,
	)
	if err != nil {
		return nil, err
	}
	if err := bufPool.Start(); err != nil {
		return nil, err
	}

	m := &Manager{
		mux:       mux,
		cfg:       cfg,
		byID:      managers.NewItemManager[*Session](),
		byProject: managers.NewItemManager[string](),
		bufPool:   bufPool,
	}
	m.SimpleComponent = &lifecycle.SimpleComponent{
		CompId:    "session-manager",
		StartFunc: func() error { return nil },
		StopFunc:  func() error { return m.stopAll() },
	}
	return m, nil
}

// StartSession reuses a running session for the project, or registers and
// starts a new one. claudeArgs are accepted for interface symmetry with the
// wider assistant-CLI invocation but are not themselves interpreted here.
func (m *Manager) StartSession(ctx context.Context, projectName, workingDir string, claudeArgs ...string) (string, error) {
	canonical, err := filepath.Abs(workingDir)
	if err != nil {
		canonical = workingDir
	}
	projectID := DeriveProjectID(canonical)

	m.mu.Lock()
	if existingID := m.byProject.Get(projectID); existingID != "" {
		if existing := m.byID.Get(existingID); existing != nil && existing.State() == Running {
			m.mu.Unlock()
			return existingID, nil
		}
	}
	m.mu.Unlock()

	now := time.Now()
	id := NewID(projectID, now)
	sess := New(id, projectID, projectName, canonical, now)

	if err := m.mux.NewSession(ctx, id, canonical); err != nil {
		sess.Transition(Error, time.Now())
		return "", fmt.Errorf("starting multiplexer session: %w", err)
	}
	if err := m.writeSessionFile(projectID, id); err != nil {
		logger.WarnF("session: failed to write session file for %s: %v", projectID, err)
	}
	sess.Transition(Running, time.Now())

	m.mu.Lock()
	m.byID.Register(id, sess)
	m.byProject.Register(projectID, id)
	m.mu.Unlock()

	m.evictIfNeeded()
	return id, nil
}

// StopSession kills the multiplexer session, removes the session file, and
// unregisters it.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	sess := m.byID.Get(sessionID)
	if sess == nil {
		return nil
	}
	if err := m.mux.KillSession(ctx, sessionID); err != nil {
		logger.WarnF("session: kill-session failed for %s: %v", sessionID, err)
	}
	_ = m.removeSessionFile(sess.ProjectID)
	sess.Transition(Stopped, time.Now())

	m.mu.Lock()
	m.byID.Unregister(sessionID)
	if m.byProject.Get(sess.ProjectID) == sessionID {
		m.byProject.Unregister(sess.ProjectID)
	}
	m.mu.Unlock()
	return nil
}

// HealthCheck runs the three-tier check from the session's contract and
// mutates state only when it actually changes.
func (m *Manager) HealthCheck(ctx context.Context, sessionID string) (State, error) {
	sess := m.byID.Get(sessionID)
	if sess == nil {
		return Stopped, nil
	}

	has, err := m.mux.HasSession(ctx, sessionID)
	if err == nil && has {
		sess.Transition(Running, time.Now())
		sess.Touch(time.Now())
		return Running, nil
	}

	if info, statErr := os.Stat(m.sessionFilePath(sess.ProjectID)); statErr == nil && info.Size() > 0 {
		sess.Transition(Running, time.Now())
		return Running, nil
	}

	sess.Transition(Stopped, time.Now())
	return Stopped, nil
}

// DetectUsageLimit captures recent pane output and checks it against the
// usage-limit patterns, transitioning to UsageLimited on a hit.
func (m *Manager) DetectUsageLimit(ctx context.Context, sessionID string) (bool, usagelimit.Result, error) {
	sess := m.byID.Get(sessionID)
	if sess == nil {
		return false, usagelimit.Result{}, nil
	}
	text, err := m.captureNormalized(ctx, sessionID, m.cfg.CaptureLines)
	if err != nil {
		return false, usagelimit.Result{}, err
	}
	res := usagelimit.Parse(text, time.Now(), usagelimit.Options{})
	if res.Detected {
		sess.Transition(UsageLimited, time.Now())
	}
	return res.Detected, res, nil
}

// SendCommand transmits text to the session.
func (m *Manager) SendCommand(ctx context.Context, sessionID, text string) error {
	sess := m.byID.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return m.mux.SendKeys(ctx, sessionID, text)
}

// CaptureOutput returns the session's recent pane output.
func (m *Manager) CaptureOutput(ctx context.Context, sessionID string) (string, error) {
	return m.captureNormalized(ctx, sessionID, m.cfg.CaptureLines)
}

// FindByProject returns the session id for a live project session, if any.
func (m *Manager) FindByProject(projectID string) (string, bool) {
	id := m.byProject.Get(projectID)
	return id, id != ""
}

// List returns all tracked sessions.
func (m *Manager) List() []*Session {
	return m.byID.Items()
}

// Snapshot returns a point-in-time view of every tracked session, suitable
// for a system backup document.
func (m *Manager) Snapshot() []Snapshot {
	items := m.byID.Items()
	out := make([]Snapshot, 0, len(items))
	for _, sess := range items {
		out = append(out, sess.Snapshot())
	}
	return out
}

// RecoverSession implements recovery.SessionRecoverer: on usage-limit or
// transient unhealthiness, send the resume command, wait, and re-check.
func (m *Manager) RecoverSession(ctx context.Context, projectID string) error {
	sessionID, ok := m.FindByProject(projectID)
	if !ok {
		return fmt.Errorf("no session tracked for project %s", projectID)
	}
	sess := m.byID.Get(sessionID)
	if sess == nil {
		return fmt.Errorf("no session tracked for project %s", projectID)
	}
	prev := sess.State()
	sess.Transition(Recovering, time.Now())

	switch prev {
	case Stopped:
		return m.restart(ctx, sess)
	case Error:
		_ = m.removeSessionFile(sess.ProjectID)
		return m.restart(ctx, sess)
	default:
		if err := m.mux.SendKeys(ctx, sessionID, m.cfg.ResumeCommand); err != nil {
			return err
		}
		var state State
		var healthErr error
		if err := fnutils.ExecuteAfter(func() {
			state, healthErr = m.HealthCheck(ctx, sessionID)
		}, m.cfg.RecoveryDelay); err != nil {
			return err
		}
		if healthErr != nil {
			return healthErr
		}
		if state != Running {
			sess.RecoveryCount++
			return fmt.Errorf("session %s still unhealthy after recovery attempt", sessionID)
		}
		sess.RecoveryCount = 0
		return nil
	}
}

func (m *Manager) restart(ctx context.Context, sess *Session) error {
	if sess.RestartCount >= m.cfg.MaxRestarts {
		return fmt.Errorf("session %s exceeded max restarts (%d)", sess.ID, m.cfg.MaxRestarts)
	}
	sess.RestartCount++
	if err := m.mux.NewSession(ctx, sess.ID, sess.WorkingDir); err != nil {
		sess.Transition(Error, time.Now())
		return err
	}
	if err := m.writeSessionFile(sess.ProjectID, sess.ID); err != nil {
		logger.WarnF("session: failed to rewrite session file for %s: %v", sess.ProjectID, err)
	}
	sess.Transition(Running, time.Now())
	return nil
}

// Cleanup evicts tracked sessions older than maxAge regardless of state,
// in addition to the routine stopped/error eviction that StartSession
// applies once MaxTrackedSessions is exceeded.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	now := time.Now()
	evicted := 0
	for _, sess := range m.byID.Items() {
		if sess.AgeSince(now) > maxAge {
			m.mu.Lock()
			m.byID.Unregister(sess.ID)
			if m.byProject.Get(sess.ProjectID) == sess.ID {
				m.byProject.Unregister(sess.ProjectID)
			}
			m.mu.Unlock()
			evicted++
		}
	}
	return evicted
}

// evictIfNeeded enforces MaxTrackedSessions: stopped sessions older than
// 30m and error sessions older than 15m are evicted in a batch; if
// pressure remains, thresholds are halved.
func (m *Manager) evictIfNeeded() {
	items := m.byID.Items()
	if len(items) <= m.cfg.MaxTrackedSessions {
		return
	}
	m.evictBatch(stoppedEvictAge, errorEvictAge)

	if len(m.byID.Items()) > m.cfg.MaxTrackedSessions {
		m.evictBatch(stoppedEvictAge/2, errorEvictAge/2)
	}
}

// evictBatch collects the sessions past their age threshold into a
// collections.List before unregistering them, so the eviction set is fixed
// up front rather than mutated while being walked.
func (m *Manager) evictBatch(stoppedAge, errorAge time.Duration) {
	now := time.Now()
	batch := collections.NewArrayList[*Session]()
	for _, sess := range m.byID.Items() {
		state := sess.State()
		age := sess.AgeSince(now)
		if (state == Stopped && age > stoppedAge) || (state == Error && age > errorAge) {
			_ = batch.Add(sess)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for it := batch.Iterator(); it.HasNext(); {
		sess := it.Next()
		m.byID.Unregister(sess.ID)
		if m.byProject.Get(sess.ProjectID) == sess.ID {
			m.byProject.Unregister(sess.ProjectID)
		}
	}
}

func (m *Manager) stopAll() error {
	var firstErr error
	for _, sess := range m.byID.Items() {
		if err := m.StopSession(context.Background(), sess.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) sessionFilePath(projectID string) string {
	return filepath.Join(m.cfg.SessionFileDir, ".assistant_session_"+projectID)
}

func (m *Manager) writeSessionFile(projectID, sessionID string) error {
	return os.WriteFile(m.sessionFilePath(projectID), []byte(sessionID+"\n"), 0o644)
}

func (m *Manager) removeSessionFile(projectID string) error {
	err := os.Remove(m.sessionFilePath(projectID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// captureNormalized pulls a pooled scratch buffer to assemble the captured
// pane text, avoiding a fresh allocation on every poll tick. Captures that
// don't fit the pooled buffer's capacity bypass the pool rather than being
// truncated.
func (m *Manager) captureNormalized(ctx context.Context, sessionID string, lines int) (string, error) {
	raw, err := m.mux.CapturePane(ctx, sessionID, lines)
	if err != nil {
		return "", err
	}
	buf, err := m.bufPool.Checkout()
	if err != nil {
		return raw, nil
	}
	defer m.bufPool.Checkin(buf)
	if len(raw) > cap(buf) {
		return raw, nil
	}
	n := copy(buf[:cap(buf)], raw)
	return string(buf[:n]), nil
}
