// Package lock implements directory-based mutual exclusion with stale-lock
// detection: a lock is a directory whose presence denotes ownership, with
// pid/timestamp/hostname/user/operation/lock_type metadata files inside.
// The liveness check and metadata-file layout are grounded on the
// agent-identity lock used elsewhere in the retrieval pack, generalized here
// from a single-file JSON lock into a typed, conflict-aware directory lock.
package lock

import (
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/l3"
)

var logger = l3.Get()

// Type partitions lock operations by purpose; the conflict matrix below
// decides whether two types may be held concurrently.
type Type string

const (
	TypeWrite       Type = "write"
	TypeBatch       Type = "batch"
	TypeConfig      Type = "config"
	TypeMaintenance Type = "maintenance"
)

// conflicts[a][b] == true means a lock of type a refuses to be acquired
// while a lock of type b is held.
var conflicts = map[Type]map[Type]bool{
	TypeWrite:       {TypeBatch: true, TypeMaintenance: true},
	TypeBatch:       {TypeWrite: true, TypeMaintenance: true},
	TypeConfig:      {TypeMaintenance: true},
	TypeMaintenance: {TypeWrite: true, TypeBatch: true, TypeConfig: true},
}

// StaleAfter is the age beyond which a lock is considered stale regardless
// of liveness.
const StaleAfter = 10 * time.Minute

// Diagnostic is emitted (and logged at Warn) when acquire gives up after
// exhausting its retry budget.
type Diagnostic struct {
	Operation     string    `json:"operation"`
	LockType      Type      `json:"lock_type"`
	HolderPID     int       `json:"holder_pid"`
	HolderAlive   bool      `json:"holder_alive"`
	Age           string    `json:"age"`
	Hostname      string    `json:"hostname"`
	LockDirExists bool      `json:"lock_dir_exists"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Token is returned by Acquire and must be presented to Release.
type Token struct {
	dir  string
	pid  int
	typ  Type
}

// Manager owns the locks rooted at a single directory (typically the queue
// directory) and serializes acquisition attempts for that root.
type Manager struct {
	root string
	// CLIMode caps backoff at 2s instead of 5s, per the spec's two backoff
	// ceilings for interactive vs. background callers.
	CLIMode bool
}

// NewManager returns a Manager rooted at dir. dir is created if absent.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{root: dir}, nil
}

func (m *Manager) lockDir(typ Type) string {
	return filepath.Join(m.root, fmt.Sprintf(".%s.lock.d", typ))
}

// budget returns the attempt budget for quick vs. heavy operations.
func budget(heavy bool) int {
	if heavy {
		return 15
	}
	return 5
}

// Acquire attempts to take a lock of typ for operation, retrying with
// exponential backoff (base 0.1s, factor 1.5, jitter ±10%) until the
// attempt budget is exhausted.
func (m *Manager) Acquire(typ Type, operation string, heavy bool, force bool) (*Token, error) {
	dir := m.lockDir(typ)
	attempts := budget(heavy)
	ceiling := 5 * time.Second
	if m.CLIMode {
		ceiling = 2 * time.Second
	}

	delay := 100 * time.Millisecond
	for attempt := 0; attempt < attempts; attempt++ {
		if m.conflictHeld(typ) {
			time.Sleep(jitter(delay, ceiling))
			delay = nextDelay(delay, ceiling)
			continue
		}

		if err := os.Mkdir(dir, 0o755); err == nil {
			tok, werr := m.writeMetadata(dir, typ, operation)
			if werr != nil {
				_ = os.RemoveAll(dir)
				return nil, errs.ErrIO
			}
			return tok, nil
		}

		// mkdir failed: a lock dir of this type already exists. Validate it.
		if m.tryReclaimStale(dir, force) {
			continue // retry immediately, the stale lock was just removed
		}

		time.Sleep(jitter(delay, ceiling))
		delay = nextDelay(delay, ceiling)
	}

	diag := m.diagnose(dir, typ, operation)
	logger.WarnF("lock: giving up acquiring %s lock for %q: holder pid=%d alive=%v age=%s",
		typ, operation, diag.HolderPID, diag.HolderAlive, diag.Age)
	return nil, errs.ErrLockTimeout
}

func nextDelay(d, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(d) * 1.5)
	if next > ceiling {
		next = ceiling
	}
	return next
}

func jitter(d, ceiling time.Duration) time.Duration {
	if d > ceiling {
		d = ceiling
	}
	spread := float64(d) * 0.10
	offset := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		result = 0
	}
	return result
}

// conflictHeld reports whether any lock type conflicting with typ currently
// has a live, non-stale holder.
func (m *Manager) conflictHeld(typ Type) bool {
	for other, conflicting := range conflicts[typ] {
		if !conflicting {
			continue
		}
		dir := m.lockDir(other)
		if info, ok := m.readInfo(dir); ok && !m.isStale(info) {
			return true
		}
	}
	return false
}

// lockInfo is the in-memory view of a lock directory's metadata files.
type lockInfo struct {
	pid       int
	timestamp time.Time
	hostname  string
	user      string
	operation string
	lockType  Type
}

func (m *Manager) readInfo(dir string) (*lockInfo, bool) {
	pidRaw, err := os.ReadFile(filepath.Join(dir, "pid"))
	if err != nil {
		return nil, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidRaw)))
	if err != nil {
		return nil, false
	}
	tsRaw, err := os.ReadFile(filepath.Join(dir, "timestamp"))
	if err != nil {
		return nil, false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(tsRaw)))
	if err != nil {
		return nil, false
	}
	host, _ := os.ReadFile(filepath.Join(dir, "hostname"))
	usr, _ := os.ReadFile(filepath.Join(dir, "user"))
	op, _ := os.ReadFile(filepath.Join(dir, "operation"))
	typRaw, _ := os.ReadFile(filepath.Join(dir, "lock_type"))

	return &lockInfo{
		pid:       pid,
		timestamp: ts,
		hostname:  strings.TrimSpace(string(host)),
		user:      strings.TrimSpace(string(usr)),
		operation: strings.TrimSpace(string(op)),
		lockType:  Type(strings.TrimSpace(string(typRaw))),
	}, true
}

// isStale applies the stale-lock criteria: dead holder PID; age > 10min;
// hostname mismatch AND dead PID; or an explicit force (handled by caller).
func (m *Manager) isStale(info *lockInfo) bool {
	if time.Since(info.timestamp) > StaleAfter {
		return true
	}
	hostname, _ := os.Hostname()
	sameHost := info.hostname == "" || info.hostname == hostname
	if !sameHost {
		// Cross-host locks with a live remote PID are respected; we cannot
		// check remote liveness, so only stale if age already exceeded above.
		return false
	}
	return !processAlive(info.pid)
}

// tryReclaimStale removes dir if it is stale or force is set, returning
// true if it removed anything (meaning the caller should retry the mkdir).
func (m *Manager) tryReclaimStale(dir string, force bool) bool {
	info, ok := m.readInfo(dir)
	if !ok {
		// Missing/unreadable metadata: treat as stale and reclaim.
		_ = os.RemoveAll(dir)
		return true
	}
	if force || m.isStale(info) {
		logger.WarnF("lock: reclaiming stale lock %s (pid=%d operation=%s)", dir, info.pid, info.operation)
		_ = os.RemoveAll(dir)
		return true
	}
	return false
}

func (m *Manager) writeMetadata(dir string, typ Type, operation string) (*Token, error) {
	pid := os.Getpid()
	hostname, _ := os.Hostname()
	uname := "unknown"
	if u, err := user.Current(); err == nil {
		uname = u.Username
	}
	files := map[string]string{
		"pid":       strconv.Itoa(pid),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"hostname":  hostname,
		"user":      uname,
		"operation": operation,
		"lock_type": string(typ),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return &Token{dir: dir, pid: pid, typ: typ}, nil
}

// Release removes the lock directory if the token's pid matches the
// recorded holder; otherwise it refuses with errs.ErrNotOwner.
func (m *Manager) Release(tok *Token) error {
	info, ok := m.readInfo(tok.dir)
	if !ok {
		// Already gone; releasing a vanished lock is not an error.
		return nil
	}
	if info.pid != tok.pid {
		logger.WarnF("lock: refusing release of %s: token pid=%d but holder pid=%d", tok.dir, tok.pid, info.pid)
		return errs.ErrNotOwner
	}
	return os.RemoveAll(tok.dir)
}

// ForceUnlock removes a lock directory unconditionally, regardless of holder.
func (m *Manager) ForceUnlock(typ Type) error {
	return os.RemoveAll(m.lockDir(typ))
}

// Status reports the current holder of typ, or nil if unlocked.
func (m *Manager) Status(typ Type) *Diagnostic {
	dir := m.lockDir(typ)
	info, ok := m.readInfo(dir)
	if !ok {
		return nil
	}
	return &Diagnostic{
		Operation:     info.operation,
		LockType:      typ,
		HolderPID:     info.pid,
		HolderAlive:   processAlive(info.pid),
		Age:           time.Since(info.timestamp).String(),
		Hostname:      info.hostname,
		LockDirExists: true,
		CheckedAt:     time.Now().UTC(),
	}
}

// CleanupStale scans every known lock type and removes stale locks.
// Idempotent: a second call with nothing stale performs no work.
func (m *Manager) CleanupStale() (int, error) {
	cleaned := 0
	for _, typ := range []Type{TypeWrite, TypeBatch, TypeConfig, TypeMaintenance} {
		dir := m.lockDir(typ)
		info, ok := m.readInfo(dir)
		if !ok {
			continue
		}
		if m.isStale(info) {
			if err := os.RemoveAll(dir); err != nil {
				return cleaned, err
			}
			cleaned++
		}
	}
	return cleaned, nil
}

func (m *Manager) diagnose(dir string, typ Type, operation string) Diagnostic {
	info, ok := m.readInfo(dir)
	if !ok {
		return Diagnostic{Operation: operation, LockType: typ, CheckedAt: time.Now().UTC()}
	}
	return Diagnostic{
		Operation:     operation,
		LockType:      typ,
		HolderPID:     info.pid,
		HolderAlive:   processAlive(info.pid),
		Age:           time.Since(info.timestamp).String(),
		Hostname:      info.hostname,
		LockDirExists: true,
		CheckedAt:     time.Now().UTC(),
	}
}

// WithLock is the scoped helper: it acquires typ for operation, runs fn,
// and releases the lock on every exit path including panics.
func (m *Manager) WithLock(typ Type, operation string, heavy bool, fn func() error) (err error) {
	tok, err := m.Acquire(typ, operation, heavy, false)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := m.Release(tok); relErr != nil {
			logger.WarnF("lock: release failed for %s: %v", operation, relErr)
		}
	}()
	return fn()
}

// processAlive reports whether pid refers to a live process, by sending the
// null signal per the standard unix liveness-check idiom.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
