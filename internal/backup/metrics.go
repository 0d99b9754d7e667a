package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the orchestrator. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	backupsTotal     *prometheus.CounterVec
	backupDuration   prometheus.Histogram
	backupBytes      prometheus.Histogram
	validationsTotal *prometheus.CounterVec
	retriesPending   prometheus.Gauge
	exhaustedTotal   prometheus.Counter
	trimmedFiles     prometheus.Counter
	ticksTotal       *prometheus.CounterVec
	lastTick         prometheus.Gauge
	notifications    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		backupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_runs_total",
			Help: "Backup runs by final status",
		}, []string{"status", "trigger"}),
		backupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "backup_run_duration_seconds",
			Help:    "Duration of backup runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		backupBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "backup_snapshot_bytes",
			Help:    "Size of written snapshots",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		validationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_validations_total",
			Help: "Snapshot validations by result",
		}, []string{"status"}),
		retriesPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_retries_pending",
			Help: "Retry entries waiting for their next attempt",
		}),
		exhaustedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "backup_exhausted_total",
			Help: "Backups that ran out of retry attempts",
		}),
		trimmedFiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "backup_retention_deleted_files_total",
			Help: "Snapshot files removed by retention",
		}),
		ticksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome",
		}, []string{"outcome"}),
		lastTick: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_scheduler_last_tick_timestamp_seconds",
			Help: "Unix time of the last completed tick",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_notifications_total",
			Help: "Notification deliveries by channel and result",
		}, []string{"channel", "result"}),
	}
}

func (m *Metrics) observeRun(record *BackupRecord) {
	if m == nil {
		return
	}
	m.backupsTotal.WithLabelValues(string(record.Status), string(record.Trigger)).Inc()
	m.backupDuration.Observe(record.Duration().Seconds())
	if record.Status == BackupStatusSucceeded {
		m.backupBytes.Observe(float64(record.SizeBytes))
	}
}

func (m *Metrics) observeValidation(status ValidationStatus) {
	if m == nil {
		return
	}
	m.validationsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) setRetriesPending(n int) {
	if m == nil {
		return
	}
	m.retriesPending.Set(float64(n))
}

func (m *Metrics) incExhausted() {
	if m == nil {
		return
	}
	m.exhaustedTotal.Inc()
}

func (m *Metrics) addTrimmed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.trimmedFiles.Add(float64(n))
}

func (m *Metrics) observeTick(outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(outcome).Inc()
	m.lastTick.Set(float64(at.Unix()))
}

func (m *Metrics) observeNotification(channel string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}
