package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"backup-orchestrator/internal/logging"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// EventLogger is the audit sink every component routes state changes through.
// Each entry is written to the process log, to a JSON-lines audit file and to
// the record store.
type EventLogger struct {
	logger      *logging.Logger
	auditLogger *logrus.Logger
	auditWriter io.Closer
	store       LogStore
	clock       clock.Clock
}

// EventLoggerConfig holds configuration for the audit sink
type EventLoggerConfig struct {
	Logger *logging.Logger
	Store  LogStore
	Clock  clock.Clock

	// AuditLogFile is rotated by size; empty disables the file sink.
	AuditLogFile    string
	AuditMaxSizeMB  int
	AuditMaxBackups int
}

// NewEventLogger creates the audit sink
func NewEventLogger(config EventLoggerConfig) (*EventLogger, error) {
	el := &EventLogger{
		logger: config.Logger,
		store:  config.Store,
		clock:  config.Clock,
	}
	if el.logger == nil {
		el.logger = logging.NewDefaultLogger()
	}
	if el.clock == nil {
		el.clock = clock.WallClock
	}

	if config.AuditLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.AuditLogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		writer := logging.NewRotatingWriter(config.AuditLogFile, config.AuditMaxSizeMB, config.AuditMaxBackups, 0)

		auditLogger := logrus.New()
		auditLogger.SetOutput(writer)
		auditLogger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
		auditLogger.SetLevel(logrus.DebugLevel)

		el.auditLogger = auditLogger
		el.auditWriter = writer
	}

	return el, nil
}

// Log records one entry in every sink. Sink failures are reported on the
// process logger and never returned.
func (el *EventLogger) Log(ctx context.Context, entry LogEntry) {
	if el == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = el.clock.Now()
	}
	if entry.Level == "" {
		entry.Level = LogLevelInfo
	}

	fields := logrus.Fields{"category": entry.Category}
	if entry.TenantID != "" {
		fields["tenant_id"] = entry.TenantID
	}
	if entry.RecordID != "" {
		fields["record_id"] = entry.RecordID
	}
	for k, v := range entry.Fields {
		fields[k] = v
	}

	logAt(el.logger.WithFields(fields), entry.Level, entry.Message)

	if el.auditLogger != nil {
		auditFields := logrus.Fields{"entry_id": entry.ID}
		for k, v := range fields {
			auditFields[k] = v
		}
		logAt(el.auditLogger.WithFields(auditFields).WithTime(entry.Timestamp), entry.Level, entry.Message)
	}

	if el.store != nil {
		if err := el.store.AppendLog(ctx, &entry); err != nil {
			el.logger.WithField("error", err.Error()).Warn("Failed to persist audit log entry")
		}
	}
}

func logAt(entry *logrus.Entry, level LogLevel, msg string) {
	switch level {
	case LogLevelDebug:
		entry.Debug(msg)
	case LogLevelWarn:
		entry.Warn(msg)
	case LogLevelError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}

// Info records an informational entry
func (el *EventLogger) Info(ctx context.Context, category, message string, fields map[string]interface{}) {
	el.Log(ctx, LogEntry{Level: LogLevelInfo, Category: category, Message: message, Fields: fields})
}

// Warn records a warning entry
func (el *EventLogger) Warn(ctx context.Context, category, message string, fields map[string]interface{}) {
	el.Log(ctx, LogEntry{Level: LogLevelWarn, Category: category, Message: message, Fields: fields})
}

// Error records an error entry
func (el *EventLogger) Error(ctx context.Context, category, message string, fields map[string]interface{}) {
	el.Log(ctx, LogEntry{Level: LogLevelError, Category: category, Message: message, Fields: fields})
}

// Tenant records an entry scoped to a tenant and, optionally, a record
func (el *EventLogger) Tenant(ctx context.Context, level LogLevel, category, tenantID, recordID, message string, fields map[string]interface{}) {
	el.Log(ctx, LogEntry{
		Level:    level,
		Category: category,
		TenantID: tenantID,
		RecordID: recordID,
		Message:  message,
		Fields:   fields,
	})
}

// Recent returns the newest entries from the store
func (el *EventLogger) Recent(ctx context.Context, limit int) ([]*LogEntry, error) {
	if el == nil || el.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return el.store.RecentLogs(ctx, limit)
}

// Process exposes the underlying process logger
func (el *EventLogger) Process() *logging.Logger {
	if el == nil {
		return logging.NewDiscardLogger()
	}
	return el.logger
}

// Close releases the audit file
func (el *EventLogger) Close() error {
	if el != nil && el.auditWriter != nil {
		return el.auditWriter.Close()
	}
	return nil
}
