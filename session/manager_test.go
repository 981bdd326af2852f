package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMultiplexer struct {
	mu       sync.Mutex
	alive    map[string]bool
	captures map[string]string
	sent     []string
	failNew  bool
}

func newFakeMultiplexer() *fakeMultiplexer {
	return &fakeMultiplexer{alive: make(map[string]bool), captures: make(map[string]string)}
}

func (f *fakeMultiplexer) NewSession(ctx context.Context, name, workDir string) error {
	if f.failNew {
		return fmt.Errorf("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[name] = true
	return nil
}

func (f *fakeMultiplexer) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, name)
	return nil
}

func (f *fakeMultiplexer) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[name], nil
}

func (f *fakeMultiplexer) SendKeys(ctx context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMultiplexer) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[name], nil
}

func newTestManager(t *testing.T, mux Multiplexer) *Manager {
	t.Helper()
	m, err := NewManager(mux, Config{SessionFileDir: t.TempDir()})
	require.NoError(t, err)
	return m
}

func TestStartReusesRunningSession(t *testing.T) {
	mux := newFakeMultiplexer()
	m := newTestManager(t, mux)

	id1, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)
	id2, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestHealthCheckReflectsMultiplexerState(t *testing.T) {
	mux := newFakeMultiplexer()
	m := newTestManager(t, mux)

	id, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)

	state, err := m.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Running, state)

	mux.mu.Lock()
	delete(mux.alive, id)
	mux.mu.Unlock()

	state, err = m.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Stopped, state)
}

func TestDetectUsageLimitTransitionsState(t *testing.T) {
	mux := newFakeMultiplexer()
	m := newTestManager(t, mux)

	id, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)

	mux.mu.Lock()
	mux.captures[id] = "you have hit your usage limit, try again at 2:00pm"
	mux.mu.Unlock()

	detected, res, err := m.DetectUsageLimit(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, detected)
	assert.True(t, res.Detected)

	sess := m.byID.Get(id)
	assert.Equal(t, UsageLimited, sess.State())
}

func TestStopRemovesSessionAndFile(t *testing.T) {
	mux := newFakeMultiplexer()
	m := newTestManager(t, mux)

	id, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)

	err = m.StopSession(context.Background(), id)
	require.NoError(t, err)

	_, found := m.FindByProject(DeriveProjectID("/tmp/proj"))
	assert.False(t, found)
}

func TestRecoverSessionRestartsStoppedSession(t *testing.T) {
	mux := newFakeMultiplexer()
	m := newTestManager(t, mux)

	id, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)

	mux.mu.Lock()
	delete(mux.alive, id)
	mux.mu.Unlock()
	_, err = m.HealthCheck(context.Background(), id)
	require.NoError(t, err)

	projectID := DeriveProjectID("/tmp/proj")
	err = m.RecoverSession(context.Background(), projectID)
	require.NoError(t, err)

	state, err := m.HealthCheck(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Running, state)
}

func TestCleanupEvictsOldSessions(t *testing.T) {
	mux := newFakeMultiplexer()
	m := newTestManager(t, mux)

	_, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)

	evicted := m.Cleanup(0)
	assert.Equal(t, 1, evicted)
	assert.Empty(t, m.List())
}

func TestRecoverSessionSendsResumeCommandWhenRunning(t *testing.T) {
	mux := newFakeMultiplexer()
	m := newTestManager(t, mux)
	m.cfg.RecoveryDelay = time.Millisecond

	id, err := m.StartSession(context.Background(), "proj", "/tmp/proj")
	require.NoError(t, err)

	projectID := DeriveProjectID("/tmp/proj")
	err = m.RecoverSession(context.Background(), projectID)
	require.NoError(t, err)

	mux.mu.Lock()
	defer mux.mu.Unlock()
	assert.Contains(t, mux.sent, m.cfg.ResumeCommand)
	_ = id
}
