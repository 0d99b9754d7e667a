package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"backup-orchestrator/internal/logging"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAuditLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestEventLogger_WritesEverySink(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	auditFile := filepath.Join(t.TempDir(), "audit", "backup-audit.log")

	events, err := NewEventLogger(EventLoggerConfig{
		Logger:       logging.NewDiscardLogger(),
		Store:        store,
		Clock:        testclock.NewClock(testNow),
		AuditLogFile: auditFile,
	})
	require.NoError(t, err)
	defer events.Close()

	events.Tenant(ctx, LogLevelWarn, CategoryBackupError, "acme", "rec-1", "Backup failed",
		map[string]interface{}{"attempt": 2})
	events.Info(ctx, CategoryScheduler, "Scheduler started", nil)

	recent, err := events.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "Scheduler started", recent[0].Message)
	assert.Equal(t, LogLevelInfo, recent[0].Level)

	failed := recent[1]
	assert.NotEmpty(t, failed.ID)
	assert.Equal(t, LogLevelWarn, failed.Level)
	assert.Equal(t, "acme", failed.TenantID)
	assert.Equal(t, "rec-1", failed.RecordID)
	assert.True(t, failed.Timestamp.Equal(testNow))

	lines := readAuditLines(t, auditFile)
	require.Len(t, lines, 2)
	assert.Equal(t, "Backup failed", lines[0]["msg"])
	assert.Equal(t, "warning", lines[0]["level"])
	assert.Equal(t, "acme", lines[0]["tenant_id"])
	assert.Equal(t, failed.ID, lines[0]["entry_id"])
	assert.Equal(t, float64(2), lines[0]["attempt"])
	assert.Equal(t, testNow.Format(time.RFC3339), lines[0]["time"])
}

func TestEventLogger_RecentDefaultsLimit(t *testing.T) {
	ctx := context.Background()
	events, err := NewEventLogger(EventLoggerConfig{
		Logger: logging.NewDiscardLogger(),
		Store:  NewMemoryStore(),
	})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		events.Info(ctx, CategoryBackupCheck, "tick", nil)
	}
	recent, err := events.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 50)
}

func TestEventLogger_NilIsSafe(t *testing.T) {
	var events *EventLogger
	ctx := context.Background()

	assert.NotPanics(t, func() {
		events.Info(ctx, CategoryScheduler, "ignored", nil)
		events.Tenant(ctx, LogLevelError, CategoryRetry, "acme", "", "ignored", nil)
	})
	recent, err := events.Recent(ctx, 5)
	assert.NoError(t, err)
	assert.Empty(t, recent)
	assert.NotNil(t, events.Process())
	assert.NoError(t, events.Close())
}

func TestEventLogger_WithoutStore(t *testing.T) {
	events, err := NewEventLogger(EventLoggerConfig{Logger: logging.NewDiscardLogger()})
	require.NoError(t, err)

	events.Error(context.Background(), CategoryCleanup, "only the process log sees this", nil)
	recent, err := events.Recent(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, recent)
}
