package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/juju/clock"
)

// RetentionConfig holds the process-wide retention settings. Per-tenant
// limits come from each tenant's BackupConfig.
type RetentionConfig struct {
	ValidationRecordRetention time.Duration `yaml:"validation_record_retention" mapstructure:"validation_record_retention"`
	LogRetention              time.Duration `yaml:"log_retention" mapstructure:"log_retention"`
}

// DefaultRetentionConfig returns the default retention settings
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ValidationRecordRetention: 90 * 24 * time.Hour,
		LogRetention:              60 * 24 * time.Hour,
	}
}

// RetentionResult describes one tenant's trim
type RetentionResult struct {
	TenantID     string   `json:"tenant_id"`
	FilesFound   int      `json:"files_found"`
	FilesKept    int      `json:"files_kept"`
	DeletedFiles []string `json:"deleted_files"`
	Errors       []string `json:"errors,omitempty"`
}

// SweepReport describes a full sweep across tenants
type SweepReport struct {
	StartedAt         time.Time          `json:"started_at"`
	Duration          time.Duration      `json:"duration"`
	Tenants           []*RetentionResult `json:"tenants"`
	FilesDeleted      int                `json:"files_deleted"`
	ValidationsPurged int64              `json:"validations_purged"`
	LogsPurged        int64              `json:"logs_purged"`
	Errors            []string           `json:"errors,omitempty"`
}

// RetentionManager deletes snapshots beyond each tenant's limits. It is the
// only component that removes retained snapshots, and it only ever considers
// files of Succeeded records.
type RetentionManager struct {
	config      RetentionConfig
	configs     *ConfigProvider
	records     RecordStore
	validations ValidationStore
	logs        LogStore
	events      *EventLogger
	metrics     *Metrics
	clock       clock.Clock
}

// RetentionManagerDeps are the collaborators of a RetentionManager
type RetentionManagerDeps struct {
	Configs     *ConfigProvider
	Records     RecordStore
	Validations ValidationStore
	Logs        LogStore
	Events      *EventLogger
	Metrics     *Metrics
	Clock       clock.Clock
}

// NewRetentionManager creates a retention manager
func NewRetentionManager(config RetentionConfig, deps RetentionManagerDeps) *RetentionManager {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	return &RetentionManager{
		config:      config,
		configs:     deps.Configs,
		records:     deps.Records,
		validations: deps.Validations,
		logs:        deps.Logs,
		events:      deps.Events,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
	}
}

// Trim deletes every snapshot of the tenant beyond MaxRetainedBackups, newest
// kept first, plus snapshots older than RetentionDays (the newest snapshot is
// always kept). Running it again changes nothing.
func (rm *RetentionManager) Trim(ctx context.Context, tenantID string) (*RetentionResult, error) {
	cfg, err := rm.configs.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return rm.trim(ctx, *cfg)
}

func (rm *RetentionManager) trim(ctx context.Context, cfg BackupConfig) (*RetentionResult, error) {
	result := &RetentionResult{TenantID: cfg.TenantID}

	present, err := rm.retainedRecords(ctx, cfg.TenantID)
	if err != nil {
		return nil, err
	}
	result.FilesFound = len(present)

	var cutoff time.Time
	if cfg.RetentionDays > 0 {
		cutoff = rm.clock.Now().Add(-time.Duration(cfg.RetentionDays) * 24 * time.Hour)
	}

	for i, record := range present {
		tooMany := i >= cfg.MaxRetainedBackups
		tooOld := !cutoff.IsZero() && i > 0 && record.StartedAt.Before(cutoff)
		if !tooMany && !tooOld {
			result.FilesKept++
			continue
		}

		if err := removeSnapshot(record.FilePath); err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.FilesKept++
			continue
		}
		result.DeletedFiles = append(result.DeletedFiles, record.FilePath)
	}

	rm.metrics.addTrimmed(len(result.DeletedFiles))
	if len(result.DeletedFiles) > 0 || len(result.Errors) > 0 {
		level := LogLevelInfo
		if len(result.Errors) > 0 {
			level = LogLevelWarn
		}
		rm.events.Tenant(ctx, level, CategoryCleanup, cfg.TenantID, "",
			fmt.Sprintf("Retention removed %d snapshot(s), kept %d", len(result.DeletedFiles), result.FilesKept),
			map[string]interface{}{"errors": result.Errors})
	}
	return result, nil
}

// retainedRecords returns Succeeded records whose file is still on disk,
// newest first
func (rm *RetentionManager) retainedRecords(ctx context.Context, tenantID string) ([]*BackupRecord, error) {
	records, err := rm.records.ListRecords(ctx, RecordFilter{
		TenantID: tenantID,
		Statuses: []BackupStatus{BackupStatusSucceeded},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records for tenant %s: %w", tenantID, err)
	}

	present := make([]*BackupRecord, 0, len(records))
	for _, record := range records {
		if record.FilePath == "" {
			continue
		}
		if _, err := os.Stat(record.FilePath); err == nil {
			present = append(present, record)
		}
	}
	sort.SliceStable(present, func(i, j int) bool {
		return present[i].StartedAt.After(present[j].StartedAt)
	})
	return present, nil
}

// removeSnapshot deletes a snapshot and its sidecar. Files that are already
// gone count as removed.
func removeSnapshot(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
	}
	if err := os.Remove(path + ChecksumExtension); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checksum for %s: %w", filepath.Base(path), err)
	}
	return nil
}

// SweepAll trims every tenant and purges old validation results and log
// entries. One tenant failing does not stop the others.
func (rm *RetentionManager) SweepAll(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: rm.clock.Now()}

	configs, err := rm.configs.All(ctx)
	if err != nil {
		return nil, err
	}

	for _, cfg := range configs {
		result, err := rm.trim(ctx, cfg)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", cfg.TenantID, err))
			continue
		}
		report.Tenants = append(report.Tenants, result)
		report.FilesDeleted += len(result.DeletedFiles)
	}

	now := rm.clock.Now()
	if rm.validations != nil && rm.config.ValidationRecordRetention > 0 {
		n, err := rm.validations.PurgeValidationResults(ctx, now.Add(-rm.config.ValidationRecordRetention))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("validation purge: %v", err))
		}
		report.ValidationsPurged = n
	}
	if rm.logs != nil && rm.config.LogRetention > 0 {
		n, err := rm.logs.PurgeLogs(ctx, now.Add(-rm.config.LogRetention))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("log purge: %v", err))
		}
		report.LogsPurged = n
	}

	report.Duration = rm.clock.Now().Sub(report.StartedAt)
	rm.events.Info(ctx, CategoryCleanup, "Retention sweep completed", map[string]interface{}{
		"tenants":            len(configs),
		"files_deleted":      report.FilesDeleted,
		"validations_purged": report.ValidationsPurged,
		"logs_purged":        report.LogsPurged,
		"errors":             len(report.Errors),
	})
	return report, nil
}

// Stats summarizes the retained snapshots of a tenant
func (rm *RetentionManager) Stats(ctx context.Context, tenantID string) (*StorageStats, error) {
	present, err := rm.retainedRecords(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	stats := &StorageStats{TenantID: tenantID}
	for _, record := range present {
		info, err := os.Stat(record.FilePath)
		if err != nil {
			continue
		}
		stats.FileCount++
		stats.TotalBytes += info.Size()
		started := record.StartedAt
		if stats.Newest == nil || started.After(*stats.Newest) {
			stats.Newest = &started
		}
		if stats.Oldest == nil || started.Before(*stats.Oldest) {
			stats.Oldest = &started
		}
	}
	return stats, nil
}
