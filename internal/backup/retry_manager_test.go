package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{10, 6 * time.Hour},
		{1000, 6 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Delay(tt.failures), "failures=%d", tt.failures)
	}

	tiny := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}
	assert.Equal(t, time.Second, tiny.Delay(1), "delay is never below one second")
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())

	err := RetryPolicy{MaxAttempts: 0, BaseDelay: time.Minute, MaxDelay: time.Second, Multiplier: 0.5}.Validate()
	require.Error(t, err)
	var errs ValidationErrors
	require.True(t, errors.As(err, &errs))
	assert.Len(t, errs, 3)

	_, err = NewRetryManager(RetryPolicy{}, RetryManagerDeps{})
	assert.True(t, IsConfigError(err))
}

func failedRecord(t *testing.T, env *testEnv, id string) *BackupRecord {
	t.Helper()
	record := &BackupRecord{
		ID:        id,
		TenantID:  "acme",
		StartedAt: env.clock.Now(),
		Status:    BackupStatusFailed,
		Attempt:   1,
		LastError: "export failed",
	}
	require.NoError(t, env.store.CreateRecord(context.Background(), record))
	return record
}

func TestRetryManager_RecordSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	failedRecord(t, env, "rec-1")

	decision, err := env.retries.Record(ctx, "rec-1", errors.New("export failed"))
	require.NoError(t, err)
	assert.False(t, decision.Exhausted)
	assert.Equal(t, 1, decision.AttemptCount)
	assert.True(t, decision.NextAttemptAt.Equal(testNow.Add(time.Minute)))

	record, err := env.store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, BackupStatusRetrying, record.Status)

	entry, err := env.store.GetRetryEntry(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", entry.TenantID)
	assert.Equal(t, 1, entry.AttemptCount)
	assert.Equal(t, "export failed", entry.LastError)

	due, err := env.retries.DueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	env.clock.Advance(time.Minute)
	due, err = env.retries.DueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "rec-1", due[0].BackupRecordID)

	assert.Equal(t, []EventType{EventFailure}, env.notifier.types())
}

func TestRetryManager_BoundedRetriesEndExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	maxAttempts := env.retries.Policy().MaxAttempts
	record := failedRecord(t, env, "rec-1")

	var decision *RetryDecision
	for i := 1; i <= maxAttempts; i++ {
		if i > 1 {
			// the executor moves it back through Running to Failed
			record, _ = env.store.GetRecord(ctx, "rec-1")
			require.NoError(t, record.Transition(BackupStatusRunning))
			require.NoError(t, record.Transition(BackupStatusFailed))
			require.NoError(t, env.store.UpdateRecord(ctx, record))
		}

		var err error
		decision, err = env.retries.Record(ctx, "rec-1", errors.New("still failing"))
		require.NoError(t, err)
		assert.Equal(t, i, decision.AttemptCount)
		assert.Equal(t, i == maxAttempts, decision.Exhausted, "failure %d", i)
	}

	stored, err := env.store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, BackupStatusExhausted, stored.Status)
	assert.Equal(t, "still failing", stored.LastError)

	_, err = env.store.GetRetryEntry(ctx, "rec-1")
	assert.True(t, IsNotFound(err))

	pending, err := env.retries.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []EventType{EventFailure, EventFailure, EventExhausted}, env.notifier.types())

	// exhausted records are terminal
	_, err = env.retries.Record(ctx, "rec-1", errors.New("again"))
	assert.Error(t, err)
}

func TestRetryManager_Clear(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	failedRecord(t, env, "rec-1")

	_, err := env.retries.Record(ctx, "rec-1", errors.New("boom"))
	require.NoError(t, err)
	require.NoError(t, env.retries.Clear(ctx, "rec-1"))
	require.NoError(t, env.retries.Clear(ctx, "rec-1"))

	pending, err := env.retries.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetryManager_UnknownRecord(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.retries.Record(context.Background(), "missing", errors.New("boom"))
	assert.True(t, IsNotFound(err))
}

func TestRetryManager_RecordOnRetryingRecordCounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	failedRecord(t, env, "rec-1")

	_, err := env.retries.Record(ctx, "rec-1", errors.New("export failed"))
	require.NoError(t, err)

	// the retry could not start, so the record is still Retrying
	decision, err := env.retries.Record(ctx, "rec-1", errors.New("tenant backups are disabled"))
	require.NoError(t, err)
	assert.Equal(t, 2, decision.AttemptCount)
	assert.False(t, decision.Exhausted)
	assert.True(t, decision.NextAttemptAt.Equal(testNow.Add(2*time.Minute)))

	entry, err := env.store.GetRetryEntry(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.AttemptCount)
	assert.Equal(t, "tenant backups are disabled", entry.LastError)

	record, err := env.store.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, BackupStatusRetrying, record.Status)
	assert.Equal(t, "tenant backups are disabled", record.LastError)
}
