package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// ExecutorConfig controls where and how snapshots are written
type ExecutorConfig struct {
	RootDir  string
	Codec    Codec
	Timeout  time.Duration
	FileMode os.FileMode
	DirMode  os.FileMode
}

// Executor produces one snapshot for one tenant and writes it durably
type Executor struct {
	config    ExecutorConfig
	exporter  SnapshotExporter
	records   RecordStore
	validator *Validator
	mirror    Mirror
	events    *EventLogger
	metrics   *Metrics
	clock     clock.Clock
}

// ExecutorDeps are the collaborators of an Executor. Mirror and Metrics are optional.
type ExecutorDeps struct {
	Exporter  SnapshotExporter
	Records   RecordStore
	Validator *Validator
	Mirror    Mirror
	Events    *EventLogger
	Metrics   *Metrics
	Clock     clock.Clock
}

// NewExecutor creates an executor
func NewExecutor(config ExecutorConfig, deps ExecutorDeps) (*Executor, error) {
	if config.RootDir == "" {
		return nil, NewConfigError("backup root directory is required", nil)
	}
	if deps.Exporter == nil || deps.Records == nil || deps.Validator == nil || deps.Events == nil {
		return nil, NewConfigError("executor requires an exporter, record store, validator and event logger", nil)
	}
	if config.Codec == nil {
		config.Codec = noneCodec{}
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	if config.FileMode == 0 {
		config.FileMode = 0640
	}
	if config.DirMode == 0 {
		config.DirMode = 0750
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}

	return &Executor{
		config:    config,
		exporter:  deps.Exporter,
		records:   deps.Records,
		validator: deps.Validator,
		mirror:    deps.Mirror,
		events:    deps.Events,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
	}, nil
}

// RootDir returns the storage root
func (e *Executor) RootDir() string {
	return e.config.RootDir
}

// CheckStorage confirms the storage root exists or can be created
func (e *Executor) CheckStorage() error {
	info, err := os.Stat(e.config.RootDir)
	if errors.Is(err, os.ErrNotExist) {
		if mkErr := os.MkdirAll(e.config.RootDir, e.config.DirMode); mkErr != nil {
			return NewStorageUnavailableError("backup root cannot be created", mkErr).
				WithContext("root", e.config.RootDir)
		}
		return nil
	}
	if err != nil {
		return NewStorageUnavailableError("backup root is unreachable", err).WithContext("root", e.config.RootDir)
	}
	if !info.IsDir() {
		return NewStorageUnavailableError("backup root is not a directory", nil).WithContext("root", e.config.RootDir)
	}
	return nil
}

// Run creates a new record for the tenant and executes it. The returned error
// is non-nil only when the storage root is unavailable; every other failure
// is reported through the record's status.
func (e *Executor) Run(ctx context.Context, tenant BackupConfig, trigger Trigger) (*BackupRecord, error) {
	if err := e.CheckStorage(); err != nil {
		return nil, err
	}

	record := &BackupRecord{
		ID:        uuid.New().String(),
		TenantID:  tenant.TenantID,
		StartedAt: e.clock.Now(),
		Status:    BackupStatusScheduled,
		Trigger:   trigger,
		Attempt:   1,
	}
	if err := record.Transition(BackupStatusRunning); err != nil {
		return nil, err
	}
	if err := e.records.CreateRecord(ctx, record); err != nil {
		return nil, NewExecutionError("failed to create backup record", err).WithContext("tenant_id", tenant.TenantID)
	}

	return e.execute(ctx, tenant, record)
}

// Execute re-runs an existing record that is waiting for a retry
func (e *Executor) Execute(ctx context.Context, tenant BackupConfig, record *BackupRecord) (*BackupRecord, error) {
	if err := e.CheckStorage(); err != nil {
		return record, err
	}
	if err := record.Transition(BackupStatusRunning); err != nil {
		return record, err
	}
	record.Attempt++
	record.Trigger = TriggerRetry
	record.StartedAt = e.clock.Now()
	record.FinishedAt = nil
	record.LastError = ""
	if err := e.records.UpdateRecord(ctx, record); err != nil {
		return record, NewExecutionError("failed to mark backup record running", err).WithContext("record_id", record.ID)
	}

	return e.execute(ctx, tenant, record)
}

// execute runs a record that is already Running in the store. Cancelling ctx
// stops the export and the upload, but the outcome is always persisted so the
// record never stays Running.
func (e *Executor) execute(ctx context.Context, tenant BackupConfig, record *BackupRecord) (*BackupRecord, error) {
	persist := context.WithoutCancel(ctx)
	e.events.Tenant(persist, LogLevelInfo, CategoryBackupStart, tenant.TenantID, record.ID,
		fmt.Sprintf("Starting backup for %s", tenant.DisplayName()),
		map[string]interface{}{"attempt": record.Attempt, "trigger": string(record.Trigger)})

	if err := e.writeSnapshot(ctx, tenant, record); err != nil {
		e.finish(persist, record, BackupStatusFailed, err)
		return record, nil
	}

	result := e.validator.Check(persist, record)
	if !result.IsValid() {
		err := NewValidationError(fmt.Sprintf("snapshot is %s", result.Status), nil).
			WithContext("errors", result.Errors)
		// never part of the retained set; the retry writes a fresh file
		os.Remove(record.FilePath + ChecksumExtension)
		os.Remove(record.FilePath)
		e.finish(persist, record, BackupStatusFailed, err)
		return record, nil
	}

	e.mirrorSnapshot(ctx, tenant, record)
	e.finish(persist, record, BackupStatusSucceeded, nil)
	return record, nil
}

// writeSnapshot exports, compresses and atomically writes the snapshot plus
// its checksum sidecar. The export is bounded by the configured timeout; the
// write itself is never interrupted once started.
func (e *Executor) writeSnapshot(ctx context.Context, tenant BackupConfig, record *BackupRecord) error {
	exportCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	snapshot, err := e.exporter.ExportSnapshot(exportCtx, tenant)
	cancel()
	if err != nil {
		return NewExecutionError("snapshot export failed", err)
	}

	payload, err := e.config.Codec.Compress(snapshot.Data)
	if err != nil {
		return err
	}

	dir := TenantDir(e.config.RootDir, tenant.TenantID)
	if err := os.MkdirAll(dir, e.config.DirMode); err != nil {
		return NewExecutionError("failed to create tenant backup directory", err).WithContext("dir", dir)
	}

	path := filepath.Join(dir, SnapshotFileName(tenant.DisplayName(), record.StartedAt, e.config.Codec))
	sum := Checksum(payload)
	if err := writeFileAtomic(path, payload, e.config.FileMode); err != nil {
		return NewExecutionError("failed to write snapshot", err).WithContext("path", path)
	}
	if err := writeChecksumSidecar(path, sum, e.config.FileMode); err != nil {
		os.Remove(path)
		return NewExecutionError("failed to write checksum sidecar", err).WithContext("path", path)
	}

	record.FilePath = path
	record.SizeBytes = int64(len(payload))
	record.Checksum = sum
	record.ExpectedRows = snapshot.ExpectedRows
	record.Compression = string(e.config.Codec.Type())
	return nil
}

// mirrorSnapshot copies the snapshot off-site when a mirror is configured.
// A tenant that does not keep local copies only loses the local file once the
// upload has succeeded.
func (e *Executor) mirrorSnapshot(ctx context.Context, tenant BackupConfig, record *BackupRecord) {
	logCtx := context.WithoutCancel(ctx)
	if e.mirror == nil {
		if !tenant.KeepLocalCopy {
			e.events.Tenant(logCtx, LogLevelWarn, CategoryMirror, tenant.TenantID, record.ID,
				"No mirror configured, keeping local copy", nil)
		}
		return
	}

	uri, err := e.mirror.Upload(ctx, tenant.TenantID, record.FilePath)
	if err != nil {
		e.events.Tenant(logCtx, LogLevelWarn, CategoryMirror, tenant.TenantID, record.ID,
			fmt.Sprintf("Upload to %s failed, keeping local copy", e.mirror.Name()),
			map[string]interface{}{"error": err.Error()})
		return
	}
	record.MirrorURI = uri
	e.events.Tenant(logCtx, LogLevelInfo, CategoryMirror, tenant.TenantID, record.ID,
		fmt.Sprintf("Snapshot uploaded to %s", e.mirror.Name()), map[string]interface{}{"uri": uri})

	if !tenant.KeepLocalCopy {
		os.Remove(record.FilePath + ChecksumExtension)
		if err := os.Remove(record.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.events.Tenant(logCtx, LogLevelWarn, CategoryMirror, tenant.TenantID, record.ID,
				"Failed to remove local copy", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (e *Executor) finish(ctx context.Context, record *BackupRecord, status BackupStatus, cause error) {
	now := e.clock.Now()
	record.FinishedAt = &now
	if err := record.Transition(status); err != nil {
		e.events.Tenant(ctx, LogLevelError, CategoryBackupError, record.TenantID, record.ID, err.Error(), nil)
	}
	if cause != nil {
		record.LastError = cause.Error()
	}

	if err := e.records.UpdateRecord(ctx, record); err != nil {
		e.events.Tenant(ctx, LogLevelError, CategoryBackupError, record.TenantID, record.ID,
			"Failed to persist backup record", map[string]interface{}{"error": err.Error()})
	}
	e.metrics.observeRun(record)

	fields := map[string]interface{}{
		"duration_ms": record.Duration().Milliseconds(),
		"attempt":     record.Attempt,
	}
	if status == BackupStatusSucceeded {
		fields["size_bytes"] = record.SizeBytes
		fields["rows"] = record.ExpectedRows
		fields["file"] = filepath.Base(record.FilePath)
		e.events.Tenant(ctx, LogLevelInfo, CategoryBackupDone, record.TenantID, record.ID, "Backup completed", fields)
		return
	}
	fields["error"] = record.LastError
	e.events.Tenant(ctx, LogLevelError, CategoryBackupError, record.TenantID, record.ID, "Backup failed", fields)
}
