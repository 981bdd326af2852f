// Package supervisorconfig holds the supervisor's tunable keys, with the
// defaults named throughout the component specs, loaded from and saved to
// a JSON configuration file via golly's codec.
package supervisorconfig

import (
	"os"
	"time"

	"oss.nandlabs.io/supervisor/codec"
	"oss.nandlabs.io/supervisor/errs"
	"oss.nandlabs.io/supervisor/fsutils"
	"oss.nandlabs.io/supervisor/ioutils"
	"oss.nandlabs.io/supervisor/l3"
)

var logger = l3.Get()

// Config holds every recognized configuration key, grouped as in the
// external-interfaces configuration table.
type Config struct {
	// Monitoring
	CheckIntervalMinutes  int  `json:"check_interval_minutes"`
	MaxRestarts           int  `json:"max_restarts"`
	HealthCheckEnabled    bool `json:"health_check_enabled"`
	HealthCheckInterval   int  `json:"health_check_interval"`
	HealthCheckTimeout    int  `json:"health_check_timeout"`
	AutoRecoveryEnabled   bool `json:"auto_recovery_enabled"`
	RecoveryDelay         int  `json:"recovery_delay"`
	MaxRecoveryAttempts   int  `json:"max_recovery_attempts"`

	// Queue
	TaskQueueEnabled               bool   `json:"task_queue_enabled"`
	TaskDefaultTimeout             int    `json:"task_default_timeout"`
	TaskMaxRetries                 int    `json:"task_max_retries"`
	TaskRetryDelay                 int    `json:"task_retry_delay"`
	TaskCompletionPattern          string `json:"task_completion_pattern"`
	QueueProcessingDelay           int    `json:"queue_processing_delay"`
	QueueMaxConcurrent             int    `json:"queue_max_concurrent"`
	QueueAutoPauseOnError          bool   `json:"queue_auto_pause_on_error"`
	QueueSessionClearBetweenTasks  bool   `json:"queue_session_clear_between_tasks"`
	TaskQueueMaxSize               int    `json:"task_queue_max_size"`
	TaskAutoCleanupDays            int    `json:"task_auto_cleanup_days"`
	TaskBackupRetentionDays        int    `json:"task_backup_retention_days"`
	QueueLockTimeout                int   `json:"queue_lock_timeout"`

	// Usage limits
	UsageLimitCooldown  int     `json:"usage_limit_cooldown"`
	BackoffFactor       float64 `json:"backoff_factor"`
	MaxWaitTime         int     `json:"max_wait_time"`
	UsageLimitThreshold int     `json:"usage_limit_threshold"`

	// Errors
	ErrorHandlingEnabled     bool `json:"error_handling_enabled"`
	ErrorAutoRecovery        bool `json:"error_auto_recovery"`
	ErrorMaxRetries          int  `json:"error_max_retries"`
	ErrorRetryDelay          int  `json:"error_retry_delay"`
	ErrorEscalationThreshold int  `json:"error_escalation_threshold"`

	// Session lifecycle
	MaxTrackedSessions    int `json:"max_tracked_sessions"`
	StoppedSessionMaxAgeMinutes int `json:"stopped_session_max_age_minutes"`
	ErrorSessionMaxAgeMinutes   int `json:"error_session_max_age_minutes"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		CheckIntervalMinutes: 5,
		MaxRestarts:          3,
		HealthCheckEnabled:   true,
		HealthCheckInterval:  60,
		HealthCheckTimeout:   30,
		AutoRecoveryEnabled:  true,
		RecoveryDelay:        15,
		MaxRecoveryAttempts:  3,

		TaskQueueEnabled:              true,
		TaskDefaultTimeout:            3600,
		TaskMaxRetries:                3,
		TaskRetryDelay:                30,
		TaskCompletionPattern:         "###TASK_COMPLETE###",
		QueueProcessingDelay:          10,
		QueueMaxConcurrent:            1,
		QueueAutoPauseOnError:         false,
		QueueSessionClearBetweenTasks: false,
		TaskQueueMaxSize:              0,
		TaskAutoCleanupDays:           30,
		TaskBackupRetentionDays:       30,
		QueueLockTimeout:              10,

		UsageLimitCooldown:  300,
		BackoffFactor:       1.5,
		MaxWaitTime:         1800,
		UsageLimitThreshold: 1,

		ErrorHandlingEnabled:     true,
		ErrorAutoRecovery:        true,
		ErrorMaxRetries:          3,
		ErrorRetryDelay:          30,
		ErrorEscalationThreshold: 3,

		MaxTrackedSessions:          100,
		StoppedSessionMaxAgeMinutes: 30,
		ErrorSessionMaxAgeMinutes:   15,
	}
}

// CheckInterval returns the check interval as a time.Duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

// Load reads a Config from path, falling back to Default() for any zero
// numeric field left unset by a partial file.
func Load(path string) (*Config, error) {
	if !fsutils.FileExists(path) {
		return Default(), nil
	}
	if mime := fsutils.LookupContentType(path); mime != ioutils.MimeApplicationJSON {
		logger.WarnF("supervisorconfig: %s has extension-inferred content type %q, expected %q", path, mime, ioutils.MimeApplicationJSON)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.ErrIO
	}
	defer func() { _ = f.Close() }()

	c, err := codec.GetDefault(ioutils.MimeApplicationJSON)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := c.Read(f, cfg); err != nil {
		return nil, errs.ErrCorruptDocument
	}
	return cfg, nil
}

// Save writes cfg to path as JSON.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.ErrIO
	}
	defer func() { _ = f.Close() }()

	c, err := codec.GetDefault(ioutils.MimeApplicationJSON)
	if err != nil {
		return err
	}
	if err := c.Write(cfg, f); err != nil {
		return errs.ErrIO
	}
	return nil
}
