// Package queue implements the persistent, priority-ordered task store: a
// single JSON document of tasks with header counters, atomic-replace writes,
// timestamped backups, and a lock-free read path. The on-disk format and the
// write-to-tempfile-then-rename discipline follow golly's own
// chrono.FileStorage.
package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"oss.nandlabs.io/supervisor/codec"
	"oss.nandlabs.io/supervisor/codec/validator"
	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/ioutils"
	"oss.nandlabs.io/supervisor/l3"
	"oss.nandlabs.io/supervisor/task"
	"oss.nandlabs.io/supervisor/tracker"
	"oss.nandlabs.io/supervisor/uuid"
)

var logger = l3.Get()

const docVersion = "1"

// document is the canonical on-disk shape of the queue file.
type document struct {
	Version      string       `json:"version"`
	Created      time.Time    `json:"created"`
	LastUpdated  time.Time    `json:"last_updated"`
	TotalTasks   int          `json:"total_tasks"`
	Pending      int          `json:"pending_tasks"`
	Active       int          `json:"active_tasks"`
	Completed    int          `json:"completed_tasks"`
	FailedTasks  int          `json:"failed_tasks"`
	TimeoutTasks int          `json:"timeout_tasks"`
	Paused       bool         `json:"paused,omitempty"`
	Tasks        []*task.Task `json:"tasks"`
}

func (d *document) recount() {
	d.TotalTasks = len(d.Tasks)
	d.Pending, d.Active, d.Completed, d.FailedTasks, d.TimeoutTasks = 0, 0, 0, 0, 0
	for _, t := range d.Tasks {
		switch t.Status {
		case task.Pending:
			d.Pending++
		case task.InProgress:
			d.Active++
		case task.Completed:
			d.Completed++
		case task.Failed:
			d.FailedTasks++
		case task.Timeout:
			d.TimeoutTasks++
		}
	}
}

// Statistics is a point-in-time snapshot of queue health. Store.Statistics
// does not fill in ResumeETA.
type Statistics struct {
	TotalTasks       int           `json:"total_tasks"`
	Pending          int           `json:"pending_tasks"`
	Active           int           `json:"active_tasks"`
	Completed        int           `json:"completed_tasks"`
	Failed           int           `json:"failed_tasks"`
	TimedOut         int           `json:"timeout_tasks"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
	AverageRetries   float64       `json:"average_retry_count"`
	Paused           bool          `json:"paused"`
	ResumeETA        *time.Time    `json:"resume_eta,omitempty"`
}

// Filter narrows list() results. A zero value matches everything.
type Filter struct {
	Status task.Status
	Type   task.Type
}

// Options configures a Store.
type Options struct {
	// Dir is the queue directory (contains task-queue.json, backups/).
	Dir string
	// MaxSize bounds the number of tasks the store will hold; 0 = unbounded.
	MaxSize int
	// BackupRetention prunes backups older than this; 0 disables pruning.
	BackupRetention time.Duration
	// SkipBackupOnWrite disables the per-write backup (performance mode).
	SkipBackupOnWrite bool
	// Trackers resolves tracker_issue/tracker_pr tasks missing title/labels.
	Trackers tracker.Registry
}

// Store owns the canonical queue document on disk.
type Store struct {
	path    string
	backups string
	opts    Options
	mu      sync.Mutex
}

// NewStore opens (creating if absent) the queue document at opts.Dir/task-queue.json.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("queue: Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	backups := filepath.Join(opts.Dir, "backups")
	if err := os.MkdirAll(backups, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		path:    filepath.Join(opts.Dir, "task-queue.json"),
		backups: backups,
		opts:    opts,
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		now := time.Now().UTC()
		doc := &document{Version: docVersion, Created: now, LastUpdated: now}
		if err := s.writeDocument(doc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) codec() (codec.Codec, error) {
	return codec.GetDefault(ioutils.MimeApplicationJSON)
}

// readDocument implements the lock-free read path: on a parse failure it
// retries once after a short delay before surfacing errs.ErrTransientRead.
func (s *Store) readDocument() (*document, error) {
	doc, err := s.tryReadDocument()
	if err == nil {
		return doc, nil
	}
	logger.WarnF("queue: read failed, retrying once: %v", err)
	time.Sleep(50 * time.Millisecond)
	doc, err = s.tryReadDocument()
	if err != nil {
		return nil, errs.ErrTransientRead
	}
	return doc, nil
}

func (s *Store) tryReadDocument() (*document, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	c, err := s.codec()
	if err != nil {
		return nil, err
	}
	var doc document
	if err := c.Read(f, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// writeDocument performs the atomic-replace write: serialize to a sibling
// tempfile, validate it parses, rename over the canonical file. A backup of
// the prior canonical document is copied first unless disabled.
func (s *Store) writeDocument(doc *document) error {
	doc.LastUpdated = time.Now().UTC()
	doc.recount()

	if !s.opts.SkipBackupOnWrite {
		if _, err := os.Stat(s.path); err == nil {
			if err := s.backupLocked("write"); err != nil {
				logger.WarnF("queue: backup before write failed: %v", err)
			}
		}
	}

	c, err := s.codec()
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.ErrIO
	}
	if err := c.Write(doc, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errs.ErrIO
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errs.ErrIO
	}

	// Validate the tempfile parses before replacing the canonical document.
	if verify, err := os.Open(tmp); err == nil {
		var probe document
		verifyErr := c.Read(verify, &probe)
		_ = verify.Close()
		if verifyErr != nil {
			_ = os.Remove(tmp)
			return errs.ErrCorruptDocument
		}
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errs.ErrIO
	}
	return nil
}

func (s *Store) backupLocked(reason string) error {
	src, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	name := fmt.Sprintf("backup-%s-%s.json", reason, time.Now().UTC().Format("20060102-150405"))
	dst, err := os.Create(filepath.Join(s.backups, name))
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// LatestValidBackup returns the path of the most recently written backup
// file, for operator-driven recovery after a corrupt_document failure.
func (s *Store) LatestValidBackup() (string, error) {
	entries, err := os.ReadDir(s.backups)
	if err != nil {
		return "", err
	}
	var latest string
	var latestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestMod) {
			latestMod = info.ModTime()
			latest = filepath.Join(s.backups, e.Name())
		}
	}
	if latest == "" {
		return "", errs.ErrNotFound
	}
	return latest, nil
}

// PruneBackups removes backups older than opts.BackupRetention. Called from
// maintenance-class operations, never implicitly.
func (s *Store) PruneBackups() (int, error) {
	if s.opts.BackupRetention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.backups)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-s.opts.BackupRetention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.backups, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Add inserts a new task and returns its id. If id is empty one is generated.
func (s *Store) Add(typ task.Type, priority int, id string, opts TaskOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := task.ValidateType(typ); err != nil {
		return "", err
	}
	if id == "" {
		id = generateID(typ)
	}

	doc, err := s.tryReadDocument()
	if err != nil {
		return "", errs.ErrIO
	}
	for _, t := range doc.Tasks {
		if t.ID == id {
			return "", errs.ErrDuplicateID
		}
	}
	if s.opts.MaxSize > 0 && len(doc.Tasks) >= s.opts.MaxSize {
		return "", errs.ErrQueueFull
	}

	timeoutSeconds := opts.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = task.DefaultTimeoutSeconds
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = task.DefaultMaxRetries
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:             id,
		Type:           typ,
		Status:         task.Pending,
		Priority:       priority,
		CreatedAt:      now,
		TimeoutSeconds: timeoutSeconds,
		MaxRetries:     maxRetries,
		Command:        opts.Command,
		TrackerNumber:  opts.TrackerNumber,
		Title:          opts.Title,
		Labels:         opts.Labels,
		Description:    opts.Description,
		Metadata:       opts.Metadata,
	}
	t.PendingAt = &now

	// ID, priority and timeout bounds are enforced here, on the fully built
	// task, against the constraints tags on task.Task itself.
	if err := validator.NewStructValidator().Validate(*t); err != nil {
		return "", err
	}

	if (typ == task.TrackerIssue || typ == task.TrackerPR) && (t.Title == "" || len(t.Labels) == 0) && s.opts.Trackers != nil {
		if adapter := s.opts.Trackers.Get(string(typ)); adapter != nil {
			if cmd, title, labels, err := adapter.Resolve(context.Background(), typ, t.TrackerNumber); err == nil {
				if t.Command == "" {
					t.Command = cmd
				}
				if t.Title == "" {
					t.Title = title
				}
				if len(t.Labels) == 0 {
					t.Labels = labels
				}
			} else {
				logger.WarnF("queue: tracker adapter resolve failed for %s/%d: %v", typ, t.TrackerNumber, err)
			}
		}
	}

	doc.Tasks = append(doc.Tasks, t)
	if err := s.writeDocument(doc); err != nil {
		return "", err
	}
	return id, nil
}

// TaskOptions carries the caller-provided fields for Add.
type TaskOptions struct {
	TimeoutSeconds int
	MaxRetries     int
	Command        string
	TrackerNumber  int
	Title          string
	Labels         []string
	Description    string
	Metadata       map[string]any
}

func generateID(typ task.Type) string {
	u, err := uuid.V1()
	suffix := "0"
	if err == nil {
		suffix = u.String()[:8]
	}
	prefix := "task"
	switch typ {
	case task.TrackerIssue:
		prefix = "issue"
	case task.TrackerPR:
		prefix = "pr"
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UTC().Unix(), suffix)
}

// Remove deletes a task by id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.tryReadDocument()
	if err != nil {
		return errs.ErrIO
	}
	idx := -1
	for i, t := range doc.Tasks {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errs.ErrNotFound
	}
	doc.Tasks = append(doc.Tasks[:idx], doc.Tasks[idx+1:]...)
	return s.writeDocument(doc)
}

// Next returns the id of the highest-priority (lowest value) pending task,
// ties broken by earliest created_at. Read-only; lock-free.
func (s *Store) Next() (string, error) {
	doc, err := s.readDocument()
	if err != nil {
		return "", err
	}
	var best *task.Task
	for _, t := range doc.Tasks {
		if t.Status != task.Pending {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		if t.Priority < best.Priority || (t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return "", errs.ErrNotFound
	}
	return best.ID, nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*task.Task, error) {
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	for _, t := range doc.Tasks {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

// UpdateStatus performs a validated state transition and records the detail
// as the task's last-error fields when moving into failed/timeout.
func (s *Store) UpdateStatus(id string, to task.Status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.tryReadDocument()
	if err != nil {
		return errs.ErrIO
	}
	var target *task.Task
	for _, t := range doc.Tasks {
		if t.ID == id {
			target = t
			break
		}
	}
	if target == nil {
		return errs.ErrNotFound
	}

	// Idempotence: calling with the current status twice is a no-op success.
	if target.Status == to {
		return nil
	}

	now := time.Now().UTC()
	if err := target.MarkTransition(to, now); err != nil {
		return err
	}
	if (to == task.Failed || to == task.Timeout) && detail != "" {
		target.LastErrorMessage = detail
		target.LastErrorAt = &now
	}
	if to == task.Pending {
		target.RetryCount++
	}
	return s.writeDocument(doc)
}

// UpdatePriority changes a task's priority, validating bounds.
func (s *Store) UpdatePriority(id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := task.ValidatePriority(priority); err != nil {
		return err
	}
	doc, err := s.tryReadDocument()
	if err != nil {
		return errs.ErrIO
	}
	for _, t := range doc.Tasks {
		if t.ID == id {
			t.Priority = priority
			return s.writeDocument(doc)
		}
	}
	return errs.ErrNotFound
}

// List returns tasks matching filter, sorted by (priority, created_at).
func (s *Store) List(filter Filter) ([]*task.Task, error) {
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, t := range doc.Tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Clear empties the queue, optionally taking a backup first.
func (s *Store) Clear(createBackup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if createBackup {
		if err := s.backupLocked("clear"); err != nil {
			logger.WarnF("queue: backup before clear failed: %v", err)
		}
	}
	now := time.Now().UTC()
	doc := &document{Version: docVersion, Created: now}
	return s.writeDocument(doc)
}

// Statistics reports a point-in-time snapshot of the queue. Read-only.
func (s *Store) Statistics() (Statistics, error) {
	doc, err := s.readDocument()
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		TotalTasks: doc.TotalTasks,
		Pending:    doc.Pending,
		Active:     doc.Active,
		Completed:  doc.Completed,
		Failed:     doc.FailedTasks,
		TimedOut:   doc.TimeoutTasks,
		Paused:     doc.Paused,
	}
	var oldestPending time.Time
	var retrySum, retryCount int
	for _, t := range doc.Tasks {
		if t.Status == task.Pending {
			if oldestPending.IsZero() || t.CreatedAt.Before(oldestPending) {
				oldestPending = t.CreatedAt
			}
		}
		retrySum += t.RetryCount
		retryCount++
	}
	if !oldestPending.IsZero() {
		stats.OldestPendingAge = time.Since(oldestPending)
	}
	if retryCount > 0 {
		stats.AverageRetries = float64(retrySum) / float64(retryCount)
	}
	return stats, nil
}

// Export returns the full canonical document for round-tripping.
func (s *Store) Export() ([]*task.Task, error) {
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// Import replaces the queue contents with the given tasks wholesale,
// validating each task's shape first. Runs under the batch lock by the caller.
func (s *Store) Import(tasks []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			return errs.ErrDuplicateID
		}
		seen[t.ID] = true
		if err := validator.NewStructValidator().Validate(*t); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	doc := &document{Version: docVersion, Created: now, Tasks: tasks}
	return s.writeDocument(doc)
}

// SetPaused marks the queue document as paused/unpaused, used by the
// usage-limit waiter and resumed by the monitor loop.
func (s *Store) SetPaused(paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.tryReadDocument()
	if err != nil {
		return errs.ErrIO
	}
	doc.Paused = paused
	return s.writeDocument(doc)
}

// Paused reports the queue's current pause flag. Read-only.
func (s *Store) Paused() (bool, error) {
	doc, err := s.readDocument()
	if err != nil {
		return false, err
	}
	return doc.Paused, nil
}
