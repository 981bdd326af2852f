package usagelimit

import (
	"os"
	"path/filepath"
	"time"

	"oss.nandlabs.io/supervisor/codec"
	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/ioutils"
	"oss.nandlabs.io/supervisor/l3"
)

var logger = l3.Get()

const markerFileName = "usage-limit-pause.marker"

// Marker is the on-disk shape of an active usage-limit pause, written under
// the queue directory per the external-interfaces layout.
type Marker struct {
	PauseTime           time.Time `json:"pause_time"`
	EstimatedWaitTime   int       `json:"estimated_wait_time"`
	EstimatedResumeTime time.Time `json:"estimated_resume_time"`
	CurrentTaskID       string    `json:"current_task_id"`
	DetectedPattern     string    `json:"detected_pattern"`
	OccurrenceCount     int       `json:"occurrence_count"`
}

// Store reads and writes the pause marker file.
type Store struct {
	path string
}

// NewStore returns a Store rooted at queueDir.
func NewStore(queueDir string) *Store {
	return &Store{path: filepath.Join(queueDir, markerFileName)}
}

// Write persists the marker, overwriting any existing one.
func (s *Store) Write(m *Marker) error {
	c, err := codec.GetDefault(ioutils.MimeApplicationJSON)
	if err != nil {
		return err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return errs.ErrIO
	}
	defer func() { _ = f.Close() }()
	if err := c.Write(m, f); err != nil {
		return errs.ErrIO
	}
	return nil
}

// Read loads the marker, returning (nil, nil) if none exists.
func (s *Store) Read() (*Marker, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.ErrIO
	}
	defer func() { _ = f.Close() }()

	c, err := codec.GetDefault(ioutils.MimeApplicationJSON)
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := c.Read(f, &m); err != nil {
		logger.WarnF("usagelimit: marker file corrupt, treating as absent: %v", err)
		return nil, nil
	}
	return &m, nil
}

// Clear removes the marker file if present.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errs.ErrIO
	}
	return nil
}

// NewMarker builds a Marker from a detection Result for taskID at pauseTime.
func NewMarker(taskID string, pauseTime time.Time, res Result, occurrence int) *Marker {
	return &Marker{
		PauseTime:           pauseTime,
		EstimatedWaitTime:   res.WaitSeconds,
		EstimatedResumeTime: pauseTime.Add(time.Duration(res.WaitSeconds) * time.Second),
		CurrentTaskID:       taskID,
		DetectedPattern:     res.Pattern,
		OccurrenceCount:     occurrence,
	}
}
