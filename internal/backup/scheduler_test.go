package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedulerFor(t *testing.T, env *testEnv, config SchedulerConfig, executor *Executor) *Scheduler {
	t.Helper()
	if executor == nil {
		executor = env.executor
	}
	scheduler, err := NewScheduler(config, SchedulerDeps{
		Configs:   env.configs,
		Executor:  executor,
		Retries:   env.retries,
		Retention: env.retention,
		Records:   env.store,
		Notifier:  env.notifier,
		Events:    env.events,
		Clock:     env.clock,
	})
	require.NoError(t, err)
	return scheduler
}

func snapshotFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files
}

func TestScheduler_TickRunsDueTenants(t *testing.T) {
	ctx := context.Background()
	disabled := tenantConfig("disabled")
	disabled.Enabled = false
	env := newTestEnv(t, tenantConfig("acme"), tenantConfig("beta"), disabled)

	report, err := env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "beta"}, report.Due)
	assert.Equal(t, []string{"acme", "beta"}, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.True(t, report.Swept)

	assert.Len(t, env.records(t, "acme", BackupStatusSucceeded), 1)
	assert.Len(t, env.records(t, "beta", BackupStatusSucceeded), 1)
	assert.Empty(t, env.records(t, "disabled"))
	assert.Equal(t, []EventType{EventSuccess, EventSuccess}, env.notifier.types())

	// nothing is due again right away and the sweep only runs once a day
	env.clock.Advance(time.Hour)
	report, err = env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Due)
	assert.False(t, report.Swept)

	status := env.scheduler.Status()
	require.NotNil(t, status.LastTickAt)
	require.NotNil(t, status.LastSweepAt)
	assert.True(t, status.LastTickAt.Equal(testNow.Add(time.Hour)))
	assert.False(t, status.Active)
	assert.Nil(t, status.NextExecution)
}

func TestScheduler_SweepWaitsForRetentionHour(t *testing.T) {
	env := newTestEnv(t)
	scheduler := newSchedulerFor(t, env, SchedulerConfig{InitialDelay: -1, RetentionHour: 23}, nil)

	report, err := scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Swept)

	env.clock.Advance(13 * time.Hour)
	report, err = scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Swept)
}

func TestScheduler_OverlapPrevention(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	env.exporter.started = make(chan string, 1)
	env.exporter.release = make(chan struct{})

	type tickResult struct {
		report *TickReport
		err    error
	}
	done := make(chan tickResult, 1)
	go func() {
		report, err := env.scheduler.Tick(ctx)
		done <- tickResult{report, err}
	}()

	select {
	case <-env.exporter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("backup never started")
	}

	_, err := env.scheduler.Tick(ctx)
	assert.ErrorIs(t, err, ErrTickInProgress)

	_, err = env.scheduler.RunTenant(ctx, "acme")
	assert.ErrorIs(t, err, ErrTenantBusy)

	status := env.scheduler.Status()
	assert.True(t, status.TickInProgress)
	assert.Equal(t, []string{"acme"}, status.Running)

	close(env.exporter.release)
	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, []string{"acme"}, result.report.Succeeded)

	assert.Len(t, env.records(t, "acme"), 1, "one tenant never has two runs")
	assert.Equal(t, 1, env.exporter.callsFor("acme"))
}

func TestScheduler_SkipsTenantWithRunningRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"), tenantConfig("beta"))
	require.NoError(t, env.store.CreateRecord(ctx, &BackupRecord{
		ID:        "elsewhere",
		TenantID:  "acme",
		StartedAt: testNow.Add(-time.Minute),
		Status:    BackupStatusRunning,
	}))

	report, err := env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, report.Skipped)
	assert.Equal(t, []string{"beta"}, report.Succeeded)
	assert.Equal(t, 0, env.exporter.callsFor("acme"))
}

func TestScheduler_ConcurrentTenants(t *testing.T) {
	env := newTestEnv(t, tenantConfig("acme"), tenantConfig("beta"))
	env.exporter.started = make(chan string, 2)
	env.exporter.release = make(chan struct{})
	scheduler := newSchedulerFor(t, env, SchedulerConfig{InitialDelay: -1, Concurrency: 2}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := scheduler.Tick(context.Background())
		done <- err
	}()

	started := map[string]bool{}
	for len(started) < 2 {
		select {
		case id := <-env.exporter.started:
			started[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("tenants did not run in parallel")
		}
	}
	close(env.exporter.release)
	require.NoError(t, <-done)
	assert.Len(t, env.records(t, "", BackupStatusSucceeded), 2)
}

func TestScheduler_FailedBackupIsRetried(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	env.exporter.failNext(1)

	report, err := env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, report.Failed)

	records := env.records(t, "acme")
	require.Len(t, records, 1)
	assert.Equal(t, BackupStatusRetrying, records[0].Status)

	// not yet due
	report, err = env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RetriesRun)
	assert.Empty(t, report.Due, "a tenant with a pending retry is left to the retry path")

	env.clock.Advance(time.Minute)
	report, err = env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RetriesRun)

	record, err := env.store.GetRecord(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusSucceeded, record.Status)
	assert.Equal(t, 2, record.Attempt)
	assert.Equal(t, TriggerRetry, record.Trigger)

	pending, err := env.retries.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []EventType{EventFailure, EventSuccess}, env.notifier.types())
}

func TestScheduler_BoundedRetriesEndExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	env.exporter.err = errors.New("permission denied")

	_, err := env.scheduler.Tick(ctx)
	require.NoError(t, err)
	original := env.records(t, "acme")[0]

	for i := 0; i < 10; i++ {
		env.clock.Advance(10 * time.Minute)
		_, err := env.scheduler.Tick(ctx)
		require.NoError(t, err)

		record, err := env.store.GetRecord(ctx, original.ID)
		require.NoError(t, err)
		if record.Status == BackupStatusExhausted {
			break
		}
	}

	record, err := env.store.GetRecord(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusExhausted, record.Status)
	assert.Equal(t, env.retries.Policy().MaxAttempts, record.Attempt)
	assert.Contains(t, record.LastError, "permission denied")

	pending, err := env.retries.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, []EventType{EventFailure, EventFailure, EventExhausted}, env.notifier.types())
}

func TestScheduler_RetryForUnavailableTenantEndsExhausted(t *testing.T) {
	tests := []struct {
		name   string
		change func(env *testEnv)
	}{
		{
			name: "disabled",
			change: func(env *testEnv) {
				cfg := tenantConfig("acme")
				cfg.Enabled = false
				env.source.put(cfg)
			},
		},
		{
			name:   "removed",
			change: func(env *testEnv) { env.source.remove("acme") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, tenantConfig("acme"))
			env.exporter.failNext(1)

			_, err := env.scheduler.Tick(ctx)
			require.NoError(t, err)
			original := env.records(t, "acme")[0]
			require.Equal(t, BackupStatusRetrying, original.Status)

			tt.change(env)
			for i := 0; i < 5; i++ {
				env.clock.Advance(10 * time.Minute)
				_, err := env.scheduler.Tick(ctx)
				require.NoError(t, err)
			}

			record, err := env.store.GetRecord(ctx, original.ID)
			require.NoError(t, err)
			assert.Equal(t, BackupStatusExhausted, record.Status)

			pending, err := env.retries.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)

			assert.Equal(t, 1, env.exporter.callsFor("acme"), "no export is attempted for the tenant")
			assert.Equal(t, []EventType{EventFailure, EventFailure, EventExhausted}, env.notifier.types())
		})
	}
}

func TestScheduler_ExhaustedTenantWaitsForNextInterval(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	env.exporter.err = errors.New("permission denied")

	_, err := env.scheduler.Tick(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		env.clock.Advance(10 * time.Minute)
		_, err := env.scheduler.Tick(ctx)
		require.NoError(t, err)
	}
	require.Len(t, env.records(t, "acme", BackupStatusExhausted), 1)
	calls := env.exporter.callsFor("acme")

	// later the same day no new cycle starts
	env.clock.Advance(3 * time.Hour)
	report, err := env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Due)
	assert.Equal(t, calls, env.exporter.callsFor("acme"))
	assert.Len(t, env.records(t, "acme"), 1)

	// the next day's run starts a fresh record
	env.exporter.mu.Lock()
	env.exporter.err = nil
	env.exporter.mu.Unlock()
	env.clock.Advance(24 * time.Hour)
	report, err = env.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, report.Succeeded)
}

func TestScheduler_WeeklyTenantKeepsTwoSnapshots(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.Frequency = FrequencyWeekly
	cfg.MaxRetainedBackups = 2
	env := newTestEnv(t, cfg)

	// five weeks of checks every six hours
	for i := 0; i < 35*4; i++ {
		_, err := env.scheduler.Tick(ctx)
		require.NoError(t, err)
		env.clock.Advance(6 * time.Hour)
	}

	succeeded := env.records(t, "acme", BackupStatusSucceeded)
	require.Len(t, succeeded, 5)
	for i := 0; i+1 < len(succeeded); i++ {
		assert.Equal(t, 7*24*time.Hour, succeeded[i].StartedAt.Sub(succeeded[i+1].StartedAt))
	}

	files := snapshotFiles(t, TenantDir(env.root, "acme"))
	assert.ElementsMatch(t, []string{succeeded[0].FilePath, succeeded[1].FilePath}, files)
}

func TestScheduler_StorageUnavailableAbortsTick(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"), tenantConfig("beta"))

	notADir := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0600))
	executor := newExecutorFor(t, env, ExecutorConfig{RootDir: notADir}, nil, nil)
	scheduler := newSchedulerFor(t, env, SchedulerConfig{InitialDelay: -1}, executor)

	report, err := scheduler.Tick(ctx)
	require.Error(t, err)
	assert.True(t, IsStorageUnavailable(err))
	assert.False(t, report.Swept)
	assert.Empty(t, report.Succeeded)
	assert.Equal(t, 0, env.exporter.callsFor("acme"))
	assert.Equal(t, 0, env.exporter.callsFor("beta"))
	assert.Empty(t, env.records(t, ""))

	logs, err := env.store.RecentLogs(ctx, 5)
	require.NoError(t, err)
	var aborted bool
	for _, entry := range logs {
		if entry.Message == "Backup check aborted" {
			aborted = entry.Level == LogLevelError
		}
	}
	assert.True(t, aborted)
}

func TestScheduler_RunTenant(t *testing.T) {
	ctx := context.Background()
	cfg := tenantConfig("acme")
	cfg.Enabled = false
	env := newTestEnv(t, cfg)

	record, err := env.scheduler.RunTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, BackupStatusSucceeded, record.Status)
	assert.Equal(t, TriggerManual, record.Trigger)

	_, err = env.scheduler.RunTenant(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestScheduler_RecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	require.NoError(t, env.store.CreateRecord(ctx, &BackupRecord{
		ID:        "crashed",
		TenantID:  "acme",
		StartedAt: testNow.Add(-time.Hour),
		Status:    BackupStatusRunning,
		Attempt:   1,
	}))

	recovered, err := env.scheduler.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	record, err := env.store.GetRecord(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, BackupStatusRetrying, record.Status)
	assert.Equal(t, "interrupted before completion", record.LastError)

	entry, err := env.store.GetRetryEntry(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.AttemptCount)
}

func TestScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)

	assert.ErrorIs(t, env.scheduler.Stop(), ErrSchedulerNotRunning)

	require.NoError(t, env.scheduler.Start())
	assert.ErrorIs(t, env.scheduler.Start(), ErrSchedulerRunning)
	assert.True(t, env.scheduler.IsActive())

	status := env.scheduler.Status()
	assert.True(t, status.Active)
	assert.Equal(t, "0 * * * *", status.CheckSchedule)
	assert.Equal(t, "UTC", status.Timezone)
	require.NotNil(t, status.NextExecution)
	assert.True(t, status.NextExecution.Equal(testNow.Add(time.Hour)))

	require.NoError(t, env.scheduler.Stop())
	assert.False(t, env.scheduler.IsActive())
	assert.ErrorIs(t, env.scheduler.Stop(), ErrSchedulerNotRunning)

	// it can be started again after a stop
	require.NoError(t, env.scheduler.Start())
	require.NoError(t, env.scheduler.Stop())
}

func TestScheduler_InitialCheckAfterDelay(t *testing.T) {
	env := newTestEnv(t, tenantConfig("acme"))
	scheduler := newSchedulerFor(t, env, SchedulerConfig{InitialDelay: 30 * time.Second}, nil)

	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	require.NoError(t, env.clock.WaitAdvance(30*time.Second, 5*time.Second, 1))
	assert.Eventually(t, func() bool {
		records, err := env.store.ListRecords(context.Background(), RecordFilter{
			TenantID: "acme",
			Statuses: []BackupStatus{BackupStatusSucceeded},
		})
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewScheduler_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)

	tests := []SchedulerConfig{
		{CheckSchedule: "every hour"},
		{Timezone: "Mars/Olympus_Mons"},
		{RetentionHour: 24},
	}
	for _, config := range tests {
		_, err := NewScheduler(config, SchedulerDeps{
			Configs:   env.configs,
			Executor:  env.executor,
			Retries:   env.retries,
			Retention: env.retention,
			Records:   env.store,
		})
		assert.True(t, IsConfigError(err), "%+v", config)
	}

	_, err := NewScheduler(SchedulerConfig{}, SchedulerDeps{})
	assert.True(t, IsConfigError(err))
}
