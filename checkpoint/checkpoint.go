// Package checkpoint persists per-task recovery snapshots and system-wide
// backups. Checkpoint documents and the queue's own backups share the same
// atomic-replace-via-tempfile discipline grounded on golly's
// chrono.FileStorage.
package checkpoint

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"oss.nandlabs.io/supervisor/codec"
	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/ioutils"
	"oss.nandlabs.io/supervisor/l3"
	"oss.nandlabs.io/supervisor/task"
	"oss.nandlabs.io/supervisor/vfs"
)

var logger = l3.Get()

const (
	DefaultCheckpointRetention = 7 * 24 * time.Hour
)

// Reason names the lifecycle point a checkpoint was taken at.
type Reason string

const (
	ReasonAutoRecovery       Reason = "auto_recovery"
	ReasonSafeModeFallback   Reason = "safe_mode_fallback"
	ReasonTimeoutRecovery    Reason = "timeout_recovery"
	ReasonUsageLimit         Reason = "usage_limit"
	ReasonManualRecoveryRpt  Reason = "manual_recovery_report"
	ReasonEmergencyShutdown  Reason = "emergency_shutdown"
)

// Document is a single task checkpoint.
type Document struct {
	TaskID    string         `json:"task_id"`
	Reason    Reason         `json:"reason"`
	Epoch     int64          `json:"epoch"`
	Task      *task.Task     `json:"task"`
	Extra     map[string]any `json:"extra,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store owns the checkpoints directory.
type Store struct {
	dir       string
	retention time.Duration
}

// NewStore returns a Store rooted at dir, creating it if absent.
func NewStore(dir string, retention time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if retention <= 0 {
		retention = DefaultCheckpointRetention
	}
	return &Store{dir: dir, retention: retention}, nil
}

// Save writes a per-task checkpoint named <task_id>-<epoch>-<reason>.json.
func (s *Store) Save(t *task.Task, reason Reason, extra map[string]any) (string, error) {
	now := time.Now().UTC()
	doc := &Document{
		TaskID:    t.ID,
		Reason:    reason,
		Epoch:     now.Unix(),
		Task:      t,
		Extra:     extra,
		CreatedAt: now,
	}
	name := fmt.Sprintf("%s-%d-%s.json", t.ID, doc.Epoch, reason)
	path := filepath.Join(s.dir, name)

	c, err := codec.GetDefault(ioutils.MimeApplicationJSON)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", errs.ErrIO
	}
	if err := c.Write(doc, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", errs.ErrIO
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", errs.ErrIO
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errs.ErrIO
	}
	return path, nil
}

// SaveReport writes an arbitrary JSON document (e.g. a recovery report)
// under the checkpoints directory, keyed the same way as task checkpoints.
func (s *Store) SaveReport(id string, reason Reason, v any) (string, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s-%d-%s.json", id, now.Unix(), reason)
	path := filepath.Join(s.dir, name)

	c, err := codec.GetDefault(ioutils.MimeApplicationJSON)
	if err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", errs.ErrIO
	}
	if err := c.Write(v, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", errs.ErrIO
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", errs.ErrIO
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errs.ErrIO
	}
	return path, nil
}

func (s *Store) dirURL() *url.URL {
	abs, err := filepath.Abs(s.dir)
	if err != nil {
		abs = s.dir
	}
	return &url.URL{Path: abs}
}

// List returns the checkpoint file paths for a given task id, newest first.
func (s *Store) List(taskID string) ([]string, error) {
	prefix := taskID + "-"
	files, err := vfs.GetManager().Find(s.dirURL(), func(f vfs.VFile) (bool, error) {
		info, err := f.Info()
		if err != nil {
			return false, err
		}
		return !info.IsDir() && strings.HasPrefix(info.Name(), prefix), nil
	})
	if err != nil {
		return nil, err
	}
	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{path: f.Url().Path, mod: info.ModTime()})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].mod.After(entries[j].mod) })
	matches := make([]string, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, e.path)
	}
	return matches, nil
}

// Prune removes checkpoint files older than the store's retention window.
func (s *Store) Prune() (int, error) {
	cutoff := time.Now().Add(-s.retention)
	var removed int
	err := vfs.GetManager().DeleteMatching(s.dirURL(), func(f vfs.VFile) (bool, error) {
		info, err := f.Info()
		if err != nil {
			return false, err
		}
		if info.IsDir() {
			return false, nil
		}
		stale := info.ModTime().Before(cutoff)
		if stale {
			removed++
		}
		return stale, nil
	})
	if err != nil {
		logger.WarnF("checkpoint: prune failed: %v", err)
	}
	return removed, err
}
