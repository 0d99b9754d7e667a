package backup

import (
	"fmt"
	"time"
)

// Frequency is how often a tenant wants a snapshot
type Frequency string

const (
	FrequencyDaily      Frequency = "daily"
	FrequencyEvery2Days Frequency = "every2days"
	FrequencyEvery3Days Frequency = "every3days"
	FrequencyWeekly     Frequency = "weekly"
	FrequencyMonthly    Frequency = "monthly"
)

// Interval returns the minimum spacing between two runs for the frequency.
func (f Frequency) Interval() (time.Duration, error) {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour, nil
	case FrequencyEvery2Days:
		return 48 * time.Hour, nil
	case FrequencyEvery3Days:
		return 72 * time.Hour, nil
	case FrequencyWeekly:
		return 168 * time.Hour, nil
	case FrequencyMonthly:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown backup frequency %q", string(f))
}

// BackupConfig is the per-tenant backup configuration. It is owned by tenant
// management and never written by the orchestrator.
type BackupConfig struct {
	TenantID           string     `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	TenantName         string     `json:"tenant_name" yaml:"tenant_name"`
	Enabled            bool       `json:"enabled" yaml:"enabled"`
	Frequency          Frequency  `json:"frequency" yaml:"frequency" validate:"required,oneof=daily every2days every3days weekly monthly"`
	ScheduledTime      string     `json:"scheduled_time" yaml:"scheduled_time" validate:"required,clock"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	MaxRetainedBackups int        `json:"max_retained_backups" yaml:"max_retained_backups" validate:"gte=1"`
	KeepLocalCopy      bool       `json:"keep_local_copy" yaml:"keep_local_copy"`
	RetentionDays      int        `json:"retention_days" yaml:"retention_days" validate:"gte=0"`
}

// DisplayName returns the tenant name, falling back to the ID
func (c BackupConfig) DisplayName() string {
	if c.TenantName != "" {
		return c.TenantName
	}
	return c.TenantID
}

// BackupStatus is the lifecycle state of a BackupRecord
type BackupStatus string

const (
	BackupStatusScheduled BackupStatus = "scheduled"
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusSucceeded BackupStatus = "succeeded"
	BackupStatusFailed    BackupStatus = "failed"
	BackupStatusRetrying  BackupStatus = "retrying"
	BackupStatusExhausted BackupStatus = "exhausted"
)

// IsTerminal reports whether the record can no longer change
func (s BackupStatus) IsTerminal() bool {
	return s == BackupStatusSucceeded || s == BackupStatusExhausted
}

var allowedTransitions = map[BackupStatus][]BackupStatus{
	BackupStatusScheduled: {BackupStatusRunning},
	BackupStatusRunning:   {BackupStatusSucceeded, BackupStatusFailed},
	BackupStatusFailed:    {BackupStatusRetrying, BackupStatusExhausted},
	BackupStatusRetrying:  {BackupStatusRunning, BackupStatusExhausted},
}

// CanTransitionTo reports whether moving from s to next is a legal transition
func (s BackupStatus) CanTransitionTo(next BackupStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Trigger records why a run was started
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerRetry     Trigger = "retry"
	TriggerManual    Trigger = "manual"
)

// BackupRecord tracks one snapshot attempt for one tenant
type BackupRecord struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Status       BackupStatus `json:"status"`
	Trigger      Trigger      `json:"trigger"`
	Attempt      int          `json:"attempt"`
	FilePath     string       `json:"file_path,omitempty"`
	SizeBytes    int64        `json:"size_bytes"`
	Checksum     string       `json:"checksum,omitempty"`
	ExpectedRows int          `json:"expected_rows"`
	Compression  string       `json:"compression,omitempty"`
	MirrorURI    string       `json:"mirror_uri,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// Duration returns how long the run took, zero while it is still running
func (r *BackupRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Transition moves the record to next, rejecting illegal moves
func (r *BackupRecord) Transition(next BackupStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return NewBackupError(BackupErrorTypeState,
			fmt.Sprintf("illegal transition %s -> %s", r.Status, next), nil).
			WithContext("record_id", r.ID)
	}
	r.Status = next
	return nil
}

// RecordFilter narrows ListRecords
type RecordFilter struct {
	TenantID string
	Statuses []BackupStatus
	Limit    int
}

// RetryEntry is the single source of truth for a failing record's retry state
type RetryEntry struct {
	BackupRecordID string    `json:"backup_record_id"`
	TenantID       string    `json:"tenant_id"`
	AttemptCount   int       `json:"attempt_count"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	LastError      string    `json:"last_error"`
}

// ValidationStatus classifies a checked snapshot
type ValidationStatus string

const (
	ValidationStatusValid      ValidationStatus = "valid"
	ValidationStatusCorrupt    ValidationStatus = "corrupt"
	ValidationStatusIncomplete ValidationStatus = "incomplete"
)

// ValidationResult is written once per BackupRecord
type ValidationResult struct {
	BackupRecordID   string           `json:"backup_record_id"`
	Status           ValidationStatus `json:"status"`
	ExpectedRowCount int              `json:"expected_row_count"`
	ActualRowCount   int              `json:"actual_row_count"`
	ChecksumMatches  bool             `json:"checksum_matches"`
	TableCount       int              `json:"table_count"`
	Errors           []string         `json:"errors,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
	CheckedAt        time.Time        `json:"checked_at"`
}

// IsValid reports whether the snapshot passed every check
func (v *ValidationResult) IsValid() bool {
	return v.Status == ValidationStatusValid
}

// LogLevel of an audit entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Audit log categories
const (
	CategoryScheduler    = "scheduler"
	CategoryBackupCheck  = "backup_check"
	CategoryBackupStart  = "backup_start"
	CategoryBackupDone   = "backup_complete"
	CategoryBackupError  = "backup_error"
	CategoryValidation   = "validation"
	CategoryRetry        = "backup_retry"
	CategoryCleanup      = "cleanup"
	CategoryNotification = "notification"
	CategoryMirror       = "mirror"
	CategoryConfig       = "config"
)

// LogEntry is one append-only audit event
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Category  string                 `json:"category"`
	Message   string                 `json:"message"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	RecordID  string                 `json:"record_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Snapshot is what the data layer hands back for one tenant
type Snapshot struct {
	Data         []byte
	ExpectedRows int
}

// SnapshotVersion is written into every envelope
const SnapshotVersion = "1.0"

// SnapshotEnvelope is the serialized shape of a snapshot file before compression
type SnapshotEnvelope struct {
	TenantID   string                              `json:"tenant_id"`
	TenantName string                              `json:"tenant_name,omitempty"`
	CreatedAt  time.Time                           `json:"created_at"`
	Version    string                              `json:"version"`
	Tables     map[string][]map[string]interface{} `json:"tables"`
}

// RowCount sums the rows across every table
func (e *SnapshotEnvelope) RowCount() int {
	total := 0
	for _, rows := range e.Tables {
		total += len(rows)
	}
	return total
}

// StorageStats summarizes what is on disk for a tenant
type StorageStats struct {
	TenantID   string     `json:"tenant_id"`
	FileCount  int        `json:"file_count"`
	TotalBytes int64      `json:"total_bytes"`
	Oldest     *time.Time `json:"oldest,omitempty"`
	Newest     *time.Time `json:"newest,omitempty"`
}
