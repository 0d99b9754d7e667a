package backup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runDaily produces n succeeded snapshots one day apart, oldest first
func runDaily(t *testing.T, env *testEnv, cfg BackupConfig, n int) []*BackupRecord {
	t.Helper()
	records := make([]*BackupRecord, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			env.clock.Advance(24 * time.Hour)
		}
		record, err := env.executor.Run(context.Background(), cfg, TriggerScheduled)
		require.NoError(t, err)
		require.Equal(t, BackupStatusSucceeded, record.Status)
		records = append(records, record)
	}
	return records
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRetentionManager_TrimKeepsNewest(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.MaxRetainedBackups = 3
	env := newTestEnv(t, cfg)

	records := runDaily(t, env, cfg, 4)

	result, err := env.retention.Trim(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 4, result.FilesFound)
	assert.Equal(t, 3, result.FilesKept)
	assert.Equal(t, []string{records[0].FilePath}, result.DeletedFiles)

	assert.False(t, fileExists(records[0].FilePath))
	assert.False(t, fileExists(records[0].FilePath+ChecksumExtension))
	for _, record := range records[1:] {
		assert.True(t, fileExists(record.FilePath), record.FilePath)
	}

	// records are never rewritten by retention
	assert.Len(t, env.records(t, "acme", BackupStatusSucceeded), 4)
}

func TestRetentionManager_TrimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.MaxRetainedBackups = 2
	env := newTestEnv(t, cfg)

	runDaily(t, env, cfg, 5)

	first, err := env.retention.Trim(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, first.DeletedFiles, 3)

	second, err := env.retention.Trim(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, second.DeletedFiles)
	assert.Equal(t, 2, second.FilesFound)
	assert.Equal(t, 2, second.FilesKept)
}

func TestRetentionManager_FilesAlreadyGone(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.MaxRetainedBackups = 2
	env := newTestEnv(t, cfg)

	records := runDaily(t, env, cfg, 3)
	require.NoError(t, os.Remove(records[2].FilePath))

	result, err := env.retention.Trim(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesFound)
	assert.Empty(t, result.DeletedFiles)
	assert.Empty(t, result.Errors)
}

func TestRetentionManager_AgeLimit(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.MaxRetainedBackups = 10
	cfg.RetentionDays = 2
	env := newTestEnv(t, cfg)

	records := runDaily(t, env, cfg, 4)

	result, err := env.retention.Trim(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{records[0].FilePath}, result.DeletedFiles)
	assert.Equal(t, 3, result.FilesKept)
}

func TestRetentionManager_AgeLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.RetentionDays = 1
	env := newTestEnv(t, cfg)

	records := runDaily(t, env, cfg, 1)
	env.clock.Advance(10 * 24 * time.Hour)

	result, err := env.retention.Trim(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, result.DeletedFiles)
	assert.True(t, fileExists(records[0].FilePath))
}

func TestRetentionManager_IgnoresNonSucceeded(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.MaxRetainedBackups = 1
	env := newTestEnv(t, cfg)

	runDaily(t, env, cfg, 1)
	require.NoError(t, env.store.CreateRecord(ctx, &BackupRecord{
		ID:        "failed",
		TenantID:  "acme",
		StartedAt: env.clock.Now().Add(time.Hour),
		Status:    BackupStatusFailed,
		FilePath:  "/does/not/matter",
	}))

	result, err := env.retention.Trim(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesFound)
	assert.Empty(t, result.DeletedFiles)
}

func TestRetentionManager_Stats(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	env := newTestEnv(t, cfg)

	records := runDaily(t, env, cfg, 3)

	stats, err := env.retention.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FileCount)
	var total int64
	for _, record := range records {
		total += record.SizeBytes
	}
	assert.Equal(t, total, stats.TotalBytes)
	require.NotNil(t, stats.Oldest)
	require.NotNil(t, stats.Newest)
	assert.True(t, stats.Oldest.Equal(records[0].StartedAt))
	assert.True(t, stats.Newest.Equal(records[2].StartedAt))

	empty, err := env.retention.Stats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.FileCount)
	assert.Nil(t, empty.Newest)
}

func TestRetentionManager_SweepAll(t *testing.T) {
	ctx := context.Background()
	acme := tenantConfig("acme")
	acme.MaxRetainedBackups = 1
	beta := tenantConfig("beta")
	beta.MaxRetainedBackups = 1
	env := newTestEnv(t, acme, beta)

	require.NoError(t, env.store.AppendLog(ctx, &LogEntry{ID: "old", Timestamp: testNow.Add(-61 * 24 * time.Hour)}))
	require.NoError(t, env.store.SaveValidationResult(ctx, &ValidationResult{
		BackupRecordID: "ancient",
		Status:         ValidationStatusValid,
		CheckedAt:      testNow.Add(-91 * 24 * time.Hour),
	}))

	runDaily(t, env, acme, 2)
	runDaily(t, env, beta, 3)

	report, err := env.retention.SweepAll(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Tenants, 2)
	assert.Equal(t, 3, report.FilesDeleted)
	assert.Equal(t, int64(1), report.ValidationsPurged)
	assert.Equal(t, int64(1), report.LogsPurged)
	assert.Empty(t, report.Errors)

	_, err = env.store.GetValidationResult(ctx, "ancient")
	assert.True(t, IsNotFound(err))
}
