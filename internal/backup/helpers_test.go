package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"backup-orchestrator/internal/logging"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func tenantConfig(id string) BackupConfig {
	return BackupConfig{
		TenantID:           id,
		TenantName:         "Tenant " + id,
		Enabled:            true,
		Frequency:          FrequencyDaily,
		ScheduledTime:      "02:00",
		MaxRetainedBackups: 3,
		KeepLocalCopy:      true,
	}
}

func sampleTables() map[string][]map[string]interface{} {
	return map[string][]map[string]interface{}{
		"customers": {
			{"id": 1, "name": "Ada"},
			{"id": 2, "name": "Grace"},
		},
		"orders": {
			{"id": 10, "customer_id": 1, "total": 12.5},
			{"id": 11, "customer_id": 2, "total": 99.0},
			{"id": 12, "customer_id": 2, "total": 1.25},
		},
	}
}

func buildSnapshot(tenant BackupConfig, tables map[string][]map[string]interface{}, at time.Time) (Snapshot, error) {
	envelope := SnapshotEnvelope{
		TenantID:   tenant.TenantID,
		TenantName: tenant.TenantName,
		CreatedAt:  at,
		Version:    SnapshotVersion,
		Tables:     tables,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Data: data, ExpectedRows: envelope.RowCount()}, nil
}

// memorySource is a ConfigSource backed by a map
type memorySource struct {
	mu      sync.Mutex
	order   []string
	configs map[string]BackupConfig
	err     error
}

func newMemorySource(configs ...BackupConfig) *memorySource {
	s := &memorySource{configs: make(map[string]BackupConfig)}
	for _, cfg := range configs {
		s.put(cfg)
	}
	return s
}

func (s *memorySource) put(cfg BackupConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.TenantID]; !ok {
		s.order = append(s.order, cfg.TenantID)
	}
	s.configs[cfg.TenantID] = cfg
}

func (s *memorySource) remove(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, tenantID)
	for i, id := range s.order {
		if id == tenantID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *memorySource) ListConfigs(ctx context.Context) ([]BackupConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	configs := make([]BackupConfig, 0, len(s.order))
	for _, id := range s.order {
		configs = append(configs, s.configs[id])
	}
	return configs, nil
}

func (s *memorySource) GetConfig(ctx context.Context, tenantID string) (*BackupConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[tenantID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("tenant %s not found", tenantID), nil)
	}
	return &cfg, nil
}

// fakeExporter serves a fixed set of tables for every tenant
type fakeExporter struct {
	mu       sync.Mutex
	tables   map[string][]map[string]interface{}
	clock    *testclock.Clock
	failures int
	err      error
	calls    map[string]int
	started  chan string
	release  chan struct{}
}

func newFakeExporter(clk *testclock.Clock) *fakeExporter {
	return &fakeExporter{
		tables: sampleTables(),
		clock:  clk,
		calls:  make(map[string]int),
	}
}

func (f *fakeExporter) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *fakeExporter) callsFor(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tenantID]
}

func (f *fakeExporter) ExportSnapshot(ctx context.Context, tenant BackupConfig) (Snapshot, error) {
	f.mu.Lock()
	f.calls[tenant.TenantID]++
	err := f.err
	if f.failures > 0 {
		f.failures--
		err = errors.New("database connection refused")
	}
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- tenant.TenantID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	if err != nil {
		return Snapshot{}, err
	}
	return buildSnapshot(tenant, f.tables, f.clock.Now())
}

// recordingNotifier keeps every event it is handed
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

type testEnv struct {
	clock     *testclock.Clock
	store     *MemoryStore
	source    *memorySource
	exporter  *fakeExporter
	notifier  *recordingNotifier
	events    *EventLogger
	configs   *ConfigProvider
	validator *Validator
	executor  *Executor
	retries   *RetryManager
	retention *RetentionManager
	scheduler *Scheduler
	root      string
}

func newTestEnv(t *testing.T, configs ...BackupConfig) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:    testclock.NewClock(testNow),
		store:    NewMemoryStore(),
		source:   newMemorySource(configs...),
		notifier: &recordingNotifier{},
		root:     t.TempDir(),
	}
	env.exporter = newFakeExporter(env.clock)

	var err error
	env.events, err = NewEventLogger(EventLoggerConfig{
		Logger: logging.NewDiscardLogger(),
		Store:  env.store,
		Clock:  env.clock,
	})
	require.NoError(t, err)

	env.configs = NewConfigProvider(env.source, env.store, env.store, env.events, ConfigProviderOptions{
		DueTolerance: DefaultDueTolerance,
	})
	env.validator = NewValidator(env.store, env.events, nil, env.clock)

	env.executor, err = NewExecutor(ExecutorConfig{RootDir: env.root}, ExecutorDeps{
		Exporter:  env.exporter,
		Records:   env.store,
		Validator: env.validator,
		Events:    env.events,
		Clock:     env.clock,
	})
	require.NoError(t, err)

	env.retries, err = NewRetryManager(RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
		Multiplier:  2,
	}, RetryManagerDeps{
		Records:  env.store,
		Retries:  env.store,
		Notifier: env.notifier,
		Events:   env.events,
		Clock:    env.clock,
	})
	require.NoError(t, err)

	env.retention = NewRetentionManager(DefaultRetentionConfig(), RetentionManagerDeps{
		Configs:     env.configs,
		Records:     env.store,
		Validations: env.store,
		Logs:        env.store,
		Events:      env.events,
		Clock:       env.clock,
	})

	env.scheduler, err = NewScheduler(SchedulerConfig{
		InitialDelay:  -1,
		RetentionHour: 2,
	}, SchedulerDeps{
		Configs:   env.configs,
		Executor:  env.executor,
		Retries:   env.retries,
		Retention: env.retention,
		Records:   env.store,
		Notifier:  env.notifier,
		Events:    env.events,
		Clock:     env.clock,
	})
	require.NoError(t, err)

	return env
}

func (env *testEnv) records(t *testing.T, tenantID string, statuses ...BackupStatus) []*BackupRecord {
	t.Helper()
	records, err := env.store.ListRecords(context.Background(), RecordFilter{TenantID: tenantID, Statuses: statuses})
	require.NoError(t, err)
	return records
}
