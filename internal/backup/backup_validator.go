package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/juju/clock"
)

// Validator re-reads freshly written snapshots and confirms they are whole
type Validator struct {
	results ValidationStore
	events  *EventLogger
	metrics *Metrics
	clock   clock.Clock
}

// NewValidator creates a validator. results may be nil to skip persistence.
func NewValidator(results ValidationStore, events *EventLogger, metrics *Metrics, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Validator{
		results: results,
		events:  events,
		metrics: metrics,
		clock:   clk,
	}
}

// Check validates the record's snapshot and stores the result once
func (v *Validator) Check(ctx context.Context, record *BackupRecord) *ValidationResult {
	result := v.Verify(record)

	v.metrics.observeValidation(result.Status)
	if v.results != nil {
		if err := v.results.SaveValidationResult(ctx, result); err != nil && v.events != nil {
			v.events.Tenant(ctx, LogLevelWarn, CategoryValidation, record.TenantID, record.ID,
				"Failed to store validation result", map[string]interface{}{"error": err.Error()})
		}
	}

	if v.events != nil {
		level := LogLevelInfo
		message := fmt.Sprintf("Snapshot validated: %d rows in %d tables", result.ActualRowCount, result.TableCount)
		if !result.IsValid() {
			level = LogLevelError
			message = fmt.Sprintf("Snapshot failed validation (%s)", result.Status)
		} else if len(result.Warnings) > 0 {
			level = LogLevelWarn
			message = message + " with warnings"
		}
		v.events.Tenant(ctx, level, CategoryValidation, record.TenantID, record.ID, message, map[string]interface{}{
			"status":   string(result.Status),
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	return result
}

// Verify runs every check without recording anything
func (v *Validator) Verify(record *BackupRecord) *ValidationResult {
	result := &ValidationResult{
		BackupRecordID:   record.ID,
		ExpectedRowCount: record.ExpectedRows,
		CheckedAt:        v.clock.Now(),
	}

	data, err := os.ReadFile(record.FilePath)
	if err != nil {
		result.Status = ValidationStatusIncomplete
		if errors.Is(err, os.ErrNotExist) {
			result.Errors = append(result.Errors, "snapshot file not found")
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("snapshot file unreadable: %v", err))
		}
		return result
	}
	if len(data) == 0 {
		result.Status = ValidationStatusIncomplete
		result.Errors = append(result.Errors, "snapshot file is empty")
		return result
	}

	sum := Checksum(data)
	result.ChecksumMatches = record.Checksum != "" && sum == record.Checksum
	if sidecar, err := readChecksumSidecar(record.FilePath); err == nil {
		if sidecar != record.Checksum {
			result.ChecksumMatches = false
			result.Errors = append(result.Errors, "checksum sidecar does not match record")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("checksum sidecar unreadable: %v", err))
	} else {
		result.Warnings = append(result.Warnings, "checksum sidecar missing")
	}
	if !result.ChecksumMatches {
		result.Status = ValidationStatusCorrupt
		result.Errors = append(result.Errors, "checksum mismatch")
		return result
	}

	raw, err := CodecForPath(record.FilePath).Decompress(data)
	if err != nil {
		result.Status = ValidationStatusCorrupt
		result.Errors = append(result.Errors, fmt.Sprintf("snapshot could not be decompressed: %v", err))
		return result
	}

	var envelope SnapshotEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		result.Status = ValidationStatusCorrupt
		result.Errors = append(result.Errors, "snapshot contains invalid JSON")
		return result
	}

	result.Errors = append(result.Errors, checkEnvelope(&envelope, record, &result.Warnings)...)
	result.TableCount = len(envelope.Tables)
	result.ActualRowCount = envelope.RowCount()

	switch {
	case len(result.Errors) > 0:
		result.Status = ValidationStatusCorrupt
	case result.ActualRowCount != result.ExpectedRowCount:
		result.Status = ValidationStatusIncomplete
		result.Errors = append(result.Errors, fmt.Sprintf("row count mismatch: expected %d, found %d",
			result.ExpectedRowCount, result.ActualRowCount))
	default:
		result.Status = ValidationStatusValid
	}
	return result
}

func checkEnvelope(envelope *SnapshotEnvelope, record *BackupRecord, warnings *[]string) []string {
	var errs []string
	if envelope.TenantID == "" {
		errs = append(errs, "tenant_id field missing")
	} else if envelope.TenantID != record.TenantID {
		errs = append(errs, fmt.Sprintf("snapshot belongs to tenant %s, not %s", envelope.TenantID, record.TenantID))
	}
	if envelope.CreatedAt.IsZero() {
		errs = append(errs, "created_at field missing")
	}
	if envelope.Tables == nil {
		errs = append(errs, "tables field missing")
	}

	switch envelope.Version {
	case "":
		*warnings = append(*warnings, "version field missing")
	case SnapshotVersion:
	default:
		*warnings = append(*warnings, fmt.Sprintf("unknown snapshot version %s", envelope.Version))
	}
	for name, rows := range envelope.Tables {
		if len(rows) == 0 {
			*warnings = append(*warnings, fmt.Sprintf("table %s is empty", name))
		}
	}
	return errs
}
