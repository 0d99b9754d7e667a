package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeRun(&BackupRecord{Status: BackupStatusSucceeded})
		m.observeValidation(ValidationStatusValid)
		m.setRetriesPending(3)
		m.incExhausted()
		m.addTrimmed(2)
		m.observeTick("completed", testNow)
		m.observeNotification("slack", nil)
	})
}

func TestMetrics_Observations(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	finished := testNow.Add(3 * time.Second)
	m.observeRun(&BackupRecord{Status: BackupStatusSucceeded, Trigger: TriggerScheduled, StartedAt: testNow, FinishedAt: &finished, SizeBytes: 2048})
	m.observeRun(&BackupRecord{Status: BackupStatusFailed, Trigger: TriggerRetry, StartedAt: testNow, FinishedAt: &finished})
	m.observeValidation(ValidationStatusCorrupt)
	m.setRetriesPending(4)
	m.incExhausted()
	m.addTrimmed(3)
	m.observeTick("completed", testNow)
	m.observeNotification("webhook", errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("succeeded", "scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("failed", "retry")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.backupBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationsTotal.WithLabelValues("corrupt")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.retriesPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exhaustedTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.trimmedFiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticksTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(testNow.Unix()), testutil.ToFloat64(m.lastTick))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("webhook", "failed")))
}

func TestMetrics_WiredThroughScheduler(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, tenantConfig("acme"))
	m := NewMetrics(prometheus.NewRegistry())

	executor := newExecutorFor(t, env, ExecutorConfig{}, nil, nil)
	executor.metrics = m
	scheduler := newSchedulerFor(t, env, SchedulerConfig{InitialDelay: -1}, executor)
	scheduler.metrics = m

	_, err := scheduler.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("succeeded", "scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticksTotal.WithLabelValues("completed")))
}
