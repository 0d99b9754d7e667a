package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"backup-orchestrator/internal/logging"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig controls when the scheduler checks for due work
type SchedulerConfig struct {
	// CheckSchedule is a standard five-field cron expression.
	CheckSchedule string `yaml:"check_schedule" mapstructure:"check_schedule"`
	Timezone      string `yaml:"timezone" mapstructure:"timezone"`
	// InitialDelay is the wait before the first check after Start. Negative disables it.
	InitialDelay  time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency"`
	InterRunDelay time.Duration `yaml:"inter_run_delay" mapstructure:"inter_run_delay"`
	RetryPause    time.Duration `yaml:"retry_pause" mapstructure:"retry_pause"`
	RetentionHour int           `yaml:"retention_hour" mapstructure:"retention_hour"`
}

// DefaultSchedulerConfig returns the default scheduler settings
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CheckSchedule: "0 * * * *",
		Timezone:      "UTC",
		InitialDelay:  30 * time.Second,
		Concurrency:   1,
		InterRunDelay: time.Second,
		RetryPause:    2 * time.Second,
		RetentionHour: 2,
	}
}

// SchedulerDeps are the collaborators of a Scheduler
type SchedulerDeps struct {
	Configs   *ConfigProvider
	Executor  *Executor
	Retries   *RetryManager
	Retention *RetentionManager
	Records   RecordStore
	Notifier  Notifier
	Events    *EventLogger
	Metrics   *Metrics
	Clock     clock.Clock
}

// TickReport summarizes one scheduler pass
type TickReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Due        []string      `json:"due"`
	Succeeded  []string      `json:"succeeded"`
	Failed     []string      `json:"failed"`
	Skipped    []string      `json:"skipped"`
	RetriesRun int           `json:"retries_run"`
	Swept      bool          `json:"swept"`
}

// SchedulerStatus is a point-in-time view of the scheduler
type SchedulerStatus struct {
	Active         bool       `json:"active"`
	CheckSchedule  string     `json:"check_schedule"`
	Timezone       string     `json:"timezone"`
	NextExecution  *time.Time `json:"next_execution,omitempty"`
	LastTickAt     *time.Time `json:"last_tick_at,omitempty"`
	LastSweepAt    *time.Time `json:"last_sweep_at,omitempty"`
	TickInProgress bool       `json:"tick_in_progress"`
	Running        []string   `json:"running"`
}

// Scheduler drives the whole backup cycle. Nothing runs until Start.
type Scheduler struct {
	config    SchedulerConfig
	location  *time.Location
	schedule  cron.Schedule
	configs   *ConfigProvider
	executor  *Executor
	retries   *RetryManager
	retention *RetentionManager
	records   RecordStore
	notifier  Notifier
	events    *EventLogger
	metrics   *Metrics
	clock     clock.Clock

	mu          sync.Mutex
	cron        *cron.Cron
	active      bool
	stopInitial chan struct{}
	lastTickAt  time.Time
	lastSweepAt time.Time

	ticking atomic.Bool
	pending sync.WaitGroup

	tenantMu sync.Mutex
	running  map[string]bool
}

// NewScheduler validates the configuration and builds a stopped scheduler
func NewScheduler(config SchedulerConfig, deps SchedulerDeps) (*Scheduler, error) {
	defaults := DefaultSchedulerConfig()
	if config.CheckSchedule == "" {
		config.CheckSchedule = defaults.CheckSchedule
	}
	if config.Timezone == "" {
		config.Timezone = defaults.Timezone
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.RetentionHour < 0 || config.RetentionHour > 23 {
		return nil, NewConfigError(fmt.Sprintf("retention hour %d is outside 0-23", config.RetentionHour), nil)
	}

	location, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return nil, NewConfigError("invalid scheduler timezone", err).WithContext("timezone", config.Timezone)
	}
	schedule, err := cron.ParseStandard(config.CheckSchedule)
	if err != nil {
		return nil, NewConfigError("invalid check schedule", err).WithContext("schedule", config.CheckSchedule)
	}
	if deps.Configs == nil || deps.Executor == nil || deps.Retries == nil || deps.Retention == nil || deps.Records == nil {
		return nil, NewConfigError("scheduler requires configs, executor, retries, retention and records", nil)
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}

	return &Scheduler{
		config:    config,
		location:  location,
		schedule:  schedule,
		configs:   deps.Configs,
		executor:  deps.Executor,
		retries:   deps.Retries,
		retention: deps.Retention,
		records:   deps.Records,
		notifier:  deps.Notifier,
		events:    deps.Events,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		running:   make(map[string]bool),
	}, nil
}

// Start begins periodic checks. It returns ErrSchedulerRunning when already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if s.active {
		s.events.Warn(ctx, CategoryScheduler, "Scheduler already running", nil)
		return ErrSchedulerRunning
	}

	logger := cronLogger{logger: s.events.Process()}
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(s.scheduledTick))
	c.Start()

	s.cron = c
	s.active = true
	s.stopInitial = make(chan struct{})

	if s.config.InitialDelay >= 0 {
		s.pending.Add(1)
		go func(stop <-chan struct{}) {
			defer s.pending.Done()
			select {
			case <-s.clock.After(s.config.InitialDelay):
				s.scheduledTick()
			case <-stop:
			}
		}(s.stopInitial)
	}

	s.events.Info(ctx, CategoryScheduler, "Scheduler started", map[string]interface{}{
		"check_schedule": s.config.CheckSchedule,
		"timezone":       s.config.Timezone,
		"initial_delay":  s.config.InitialDelay.String(),
	})
	return nil
}

// Stop halts periodic checks and waits for an in-flight tick to finish.
// Running backups are not cancelled. It returns ErrSchedulerNotRunning when
// the scheduler was not started.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	c := s.cron
	close(s.stopInitial)
	s.cron = nil
	s.active = false
	s.mu.Unlock()

	<-c.Stop().Done()
	s.pending.Wait()

	s.events.Info(context.Background(), CategoryScheduler, "Scheduler stopped", nil)
	return nil
}

// IsActive reports whether periodic checks are enabled
func (s *Scheduler) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) scheduledTick() {
	// errors are already logged by Tick
	_, _ = s.Tick(context.Background())
}

// ForceCheck runs a tick immediately, outside the cron cadence
func (s *Scheduler) ForceCheck(ctx context.Context) (*TickReport, error) {
	s.events.Info(ctx, CategoryScheduler, "Forced backup check requested", nil)
	return s.Tick(ctx)
}

// Tick runs one scheduler pass: due tenants first, then due retries, then the
// daily retention sweep. A tick that starts while another is still running
// returns ErrTickInProgress without doing anything.
func (s *Scheduler) Tick(ctx context.Context) (*TickReport, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.events.Warn(ctx, CategoryScheduler, "Previous check still running, skipping this one", nil)
		s.metrics.observeTick("skipped", s.clock.Now())
		return nil, ErrTickInProgress
	}
	defer s.ticking.Store(false)

	report := &TickReport{StartedAt: s.clock.Now()}
	s.events.Info(ctx, CategoryBackupCheck, "Checking for due backups", nil)

	err := s.tick(ctx, report)

	finished := s.clock.Now()
	report.Duration = finished.Sub(report.StartedAt)
	s.mu.Lock()
	s.lastTickAt = finished
	s.mu.Unlock()

	if err != nil {
		s.events.Error(ctx, CategoryScheduler, "Backup check aborted", map[string]interface{}{"error": err.Error()})
		s.metrics.observeTick("aborted", finished)
		return report, err
	}

	s.events.Info(ctx, CategoryBackupCheck, "Backup check completed", map[string]interface{}{
		"due":         len(report.Due),
		"succeeded":   len(report.Succeeded),
		"failed":      len(report.Failed),
		"skipped":     len(report.Skipped),
		"retries_run": report.RetriesRun,
		"swept":       report.Swept,
		"duration_ms": report.Duration.Milliseconds(),
	})
	s.metrics.observeTick("completed", finished)
	return report, nil
}

func (s *Scheduler) tick(ctx context.Context, report *TickReport) error {
	due, err := s.configs.DueTenants(ctx, report.StartedAt)
	if err != nil {
		return err
	}
	for _, cfg := range due {
		report.Due = append(report.Due, cfg.TenantID)
	}

	if err := s.runDue(ctx, due, report); err != nil {
		return err
	}
	if err := s.runRetries(ctx, report); err != nil {
		return err
	}
	s.maybeSweep(ctx, report)
	return nil
}

type tenantOutcome struct {
	tenantID string
	record   *BackupRecord
	err      error
}

func (s *Scheduler) runDue(ctx context.Context, due []BackupConfig, report *TickReport) error {
	if len(due) == 0 {
		return nil
	}

	outcomes := make([]tenantOutcome, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for i, cfg := range due {
		if i > 0 && !s.pause(gctx, s.config.InterRunDelay) {
			break
		}
		if gctx.Err() != nil {
			break
		}
		i, cfg := i, cfg
		g.Go(func() error {
			record, err := s.runTenant(ctx, cfg, TriggerScheduled)
			outcomes[i] = tenantOutcome{tenantID: cfg.TenantID, record: record, err: err}
			if IsStorageUnavailable(err) {
				return err
			}
			return nil
		})
	}
	groupErr := g.Wait()

	for _, outcome := range outcomes {
		switch {
		case outcome.tenantID == "":
			// never started because the tick aborted
		case outcome.err != nil:
			report.Skipped = append(report.Skipped, outcome.tenantID)
			if !IsStorageUnavailable(outcome.err) {
				s.events.Tenant(ctx, LogLevelWarn, CategoryScheduler, outcome.tenantID, "",
					"Backup not run", map[string]interface{}{"error": outcome.err.Error()})
			}
		case outcome.record.Status == BackupStatusSucceeded:
			report.Succeeded = append(report.Succeeded, outcome.tenantID)
		default:
			report.Failed = append(report.Failed, outcome.tenantID)
		}
	}
	return groupErr
}

// pause waits d on the injected clock; it reports false if ctx ended first
func (s *Scheduler) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-s.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) acquire(tenantID string) bool {
	s.tenantMu.Lock()
	defer s.tenantMu.Unlock()
	if s.running[tenantID] {
		return false
	}
	s.running[tenantID] = true
	return true
}

func (s *Scheduler) release(tenantID string) {
	s.tenantMu.Lock()
	delete(s.running, tenantID)
	s.tenantMu.Unlock()
}

// runTenant runs a fresh backup for the tenant unless one is already running
func (s *Scheduler) runTenant(ctx context.Context, cfg BackupConfig, trigger Trigger) (*BackupRecord, error) {
	if !s.acquire(cfg.TenantID) {
		return nil, ErrTenantBusy
	}
	defer s.release(cfg.TenantID)

	// a record left Running by another process also blocks the tenant
	running, err := s.records.ListRecords(ctx, RecordFilter{
		TenantID: cfg.TenantID,
		Statuses: []BackupStatus{BackupStatusRunning},
		Limit:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check running backups for %s: %w", cfg.TenantID, err)
	}
	if len(running) > 0 {
		return nil, ErrTenantBusy
	}

	record, err := s.executor.Run(ctx, cfg, trigger)
	if err != nil {
		return nil, err
	}
	s.afterRun(context.WithoutCancel(ctx), cfg, record)
	return record, nil
}

// afterRun hands a finished record to retention, retries and notifications
func (s *Scheduler) afterRun(ctx context.Context, cfg BackupConfig, record *BackupRecord) {
	switch record.Status {
	case BackupStatusSucceeded:
		if record.Trigger == TriggerRetry {
			if err := s.retries.Clear(ctx, record.ID); err != nil {
				s.events.Tenant(ctx, LogLevelWarn, CategoryRetry, cfg.TenantID, record.ID, err.Error(), nil)
			}
		}
		if _, err := s.retention.Trim(ctx, cfg.TenantID); err != nil {
			s.events.Tenant(ctx, LogLevelWarn, CategoryCleanup, cfg.TenantID, record.ID,
				"Retention trim failed", map[string]interface{}{"error": err.Error()})
		}
		if s.notifier != nil {
			s.notifier.Notify(ctx, Event{
				Type:       EventSuccess,
				TenantID:   cfg.TenantID,
				TenantName: cfg.TenantName,
				RecordID:   record.ID,
				Attempt:    record.Attempt,
				SizeBytes:  record.SizeBytes,
				Duration:   record.Duration(),
				Time:       s.clock.Now(),
			})
		}
	case BackupStatusFailed:
		if _, err := s.retries.Record(ctx, record.ID, errors.New(record.LastError)); err != nil {
			s.events.Tenant(ctx, LogLevelError, CategoryRetry, cfg.TenantID, record.ID,
				"Failed to schedule retry", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (s *Scheduler) runRetries(ctx context.Context, report *TickReport) error {
	entries, err := s.retries.DueEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load due retries: %w", err)
	}

	for i, entry := range entries {
		if i > 0 && !s.pause(ctx, s.config.RetryPause) {
			return ctx.Err()
		}
		err := s.runRetry(ctx, entry)
		if IsStorageUnavailable(err) {
			return err
		}
		if err != nil {
			s.events.Tenant(ctx, LogLevelWarn, CategoryRetry, entry.TenantID, entry.BackupRecordID,
				"Retry not run", map[string]interface{}{"error": err.Error()})
			continue
		}
		report.RetriesRun++
	}
	return nil
}

func (s *Scheduler) runRetry(ctx context.Context, entry *RetryEntry) error {
	if !s.acquire(entry.TenantID) {
		return ErrTenantBusy
	}
	defer s.release(entry.TenantID)

	record, err := s.records.GetRecord(ctx, entry.BackupRecordID)
	if IsNotFound(err) {
		return s.retries.Clear(ctx, entry.BackupRecordID)
	}
	if err != nil {
		return err
	}

	cfg, err := s.configs.Get(ctx, entry.TenantID)
	if err == nil && !cfg.Enabled {
		err = NewConfigError("tenant backups are disabled", nil).WithContext("tenant_id", entry.TenantID)
	}
	if err != nil {
		// counts as another failed attempt so the entry cannot linger forever
		_, recErr := s.retries.Record(context.WithoutCancel(ctx), record.ID, err)
		if recErr != nil {
			return recErr
		}
		return err
	}

	record, err = s.executor.Execute(ctx, *cfg, record)
	if err != nil {
		return err
	}
	s.afterRun(context.WithoutCancel(ctx), *cfg, record)
	return nil
}

func (s *Scheduler) maybeSweep(ctx context.Context, report *TickReport) {
	now := s.clock.Now().In(s.location)
	if now.Hour() < s.config.RetentionHour {
		return
	}

	s.mu.Lock()
	last := s.lastSweepAt
	s.mu.Unlock()
	if !last.IsZero() {
		last = last.In(s.location)
		if last.Year() == now.Year() && last.YearDay() == now.YearDay() {
			return
		}
	}

	if _, err := s.retention.SweepAll(ctx); err != nil {
		s.events.Error(ctx, CategoryCleanup, "Retention sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.lastSweepAt = now
	s.mu.Unlock()
	report.Swept = true
}

// RunTenant forces a backup for one tenant regardless of its schedule
func (s *Scheduler) RunTenant(ctx context.Context, tenantID string) (*BackupRecord, error) {
	cfg, err := s.configs.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.events.Tenant(ctx, LogLevelInfo, CategoryScheduler, tenantID, "", "Manual backup requested", nil)
	return s.runTenant(ctx, *cfg, TriggerManual)
}

// RecoverInterrupted fails records left Running by a previous process and
// hands them to the retry path. It returns how many were recovered.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) (int, error) {
	records, err := s.records.ListRecords(ctx, RecordFilter{Statuses: []BackupStatus{BackupStatusRunning}})
	if err != nil {
		return 0, fmt.Errorf("failed to list running records: %w", err)
	}

	recovered := 0
	for _, record := range records {
		s.tenantMu.Lock()
		busy := s.running[record.TenantID]
		s.tenantMu.Unlock()
		if busy {
			continue
		}

		now := s.clock.Now()
		if err := record.Transition(BackupStatusFailed); err != nil {
			return recovered, err
		}
		record.FinishedAt = &now
		record.LastError = "interrupted before completion"
		if err := s.records.UpdateRecord(ctx, record); err != nil {
			return recovered, fmt.Errorf("failed to fail interrupted record %s: %w", record.ID, err)
		}
		if _, err := s.retries.Record(ctx, record.ID, errors.New(record.LastError)); err != nil {
			return recovered, err
		}
		s.events.Tenant(ctx, LogLevelWarn, CategoryScheduler, record.TenantID, record.ID,
			"Recovered interrupted backup", nil)
		recovered++
	}
	return recovered, nil
}

// Status reports the scheduler state
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	status := SchedulerStatus{
		Active:         s.active,
		CheckSchedule:  s.config.CheckSchedule,
		Timezone:       s.location.String(),
		TickInProgress: s.ticking.Load(),
	}
	if !s.lastTickAt.IsZero() {
		at := s.lastTickAt
		status.LastTickAt = &at
	}
	if !s.lastSweepAt.IsZero() {
		at := s.lastSweepAt
		status.LastSweepAt = &at
	}
	s.mu.Unlock()

	if status.Active {
		next := s.schedule.Next(s.clock.Now().In(s.location))
		status.NextExecution = &next
	}

	s.tenantMu.Lock()
	status.Running = make([]string, 0, len(s.running))
	for tenantID := range s.running {
		status.Running = append(status.Running, tenantID)
	}
	s.tenantMu.Unlock()
	sort.Strings(status.Running)
	return status
}

// cronLogger routes cron's own messages to the process logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := kvFields(keysAndValues)
	fields["error"] = err.Error()
	l.logger.WithFields(fields).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
