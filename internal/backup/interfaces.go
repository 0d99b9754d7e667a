package backup

import (
	"context"
	"time"
)

// ConfigSource reads per-tenant backup settings from the system that owns them
type ConfigSource interface {
	ListConfigs(ctx context.Context) ([]BackupConfig, error)
	GetConfig(ctx context.Context, tenantID string) (*BackupConfig, error)
}

// SnapshotExporter produces a full snapshot of one tenant's data
type SnapshotExporter interface {
	ExportSnapshot(ctx context.Context, tenant BackupConfig) (Snapshot, error)
}

// RecordStore persists BackupRecords
type RecordStore interface {
	CreateRecord(ctx context.Context, record *BackupRecord) error
	UpdateRecord(ctx context.Context, record *BackupRecord) error
	GetRecord(ctx context.Context, id string) (*BackupRecord, error)
	// ListRecords returns matching records newest first.
	ListRecords(ctx context.Context, filter RecordFilter) ([]*BackupRecord, error)
}

// RetryStore persists RetryEntries keyed by backup record ID
type RetryStore interface {
	GetRetryEntry(ctx context.Context, recordID string) (*RetryEntry, error)
	SaveRetryEntry(ctx context.Context, entry *RetryEntry) error
	DeleteRetryEntry(ctx context.Context, recordID string) error
	ListRetryEntries(ctx context.Context) ([]*RetryEntry, error)
	DueRetryEntries(ctx context.Context, now time.Time) ([]*RetryEntry, error)
}

// ValidationStore persists ValidationResults
type ValidationStore interface {
	SaveValidationResult(ctx context.Context, result *ValidationResult) error
	GetValidationResult(ctx context.Context, recordID string) (*ValidationResult, error)
	PurgeValidationResults(ctx context.Context, before time.Time) (int64, error)
}

// LogStore persists audit LogEntries
type LogStore interface {
	AppendLog(ctx context.Context, entry *LogEntry) error
	RecentLogs(ctx context.Context, limit int) ([]*LogEntry, error)
	PurgeLogs(ctx context.Context, before time.Time) (int64, error)
}

// Store is the persistent record store shared by every component
type Store interface {
	RecordStore
	RetryStore
	ValidationStore
	LogStore
	Close() error
}

// Notifier dispatches backup outcome events. Implementations must not block
// the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Mirror copies finished snapshots to off-site storage. Upload returns the
// URI of the stored object.
type Mirror interface {
	Name() string
	Upload(ctx context.Context, tenantID, localPath string) (string, error)
	HealthCheck(ctx context.Context) error
}
