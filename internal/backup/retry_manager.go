package backup

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/juju/clock"
)

// minRetryDelay keeps a misconfigured policy from retrying in a hot loop
const minRetryDelay = time.Second

// RetryPolicy bounds how often and how long a failing backup is retried.
// MaxAttempts is process-wide on purpose; tenants cannot raise it.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Minute,
		MaxDelay:    6 * time.Hour,
		Multiplier:  2.0,
	}
}

// Validate reports policy values that cannot work
func (p RetryPolicy) Validate() error {
	var errs ValidationErrors
	if p.MaxAttempts < 1 {
		errs.Add("max_attempts", "must be at least 1", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		errs.Add("base_delay", "must be positive", p.BaseDelay)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		errs.Add("max_delay", "must not be below base_delay", p.MaxDelay)
	}
	if p.Multiplier < 1 {
		errs.Add("multiplier", "must be at least 1", p.Multiplier)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Delay returns the wait before the next attempt after the given number of
// failures: BaseDelay * Multiplier^(failures-1), capped at MaxDelay and
// never below one second.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(multiplier, float64(failures-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	return delay
}

// RetryDecision is the outcome of recording a failure
type RetryDecision struct {
	Record        *BackupRecord
	AttemptCount  int
	Exhausted     bool
	NextAttemptAt time.Time
}

// RetryManager tracks failed attempts per backup record and decides whether
// and when each one runs again
type RetryManager struct {
	policy   RetryPolicy
	records  RecordStore
	retries  RetryStore
	notifier Notifier
	events   *EventLogger
	metrics  *Metrics
	clock    clock.Clock
}

// RetryManagerDeps are the collaborators of a RetryManager
type RetryManagerDeps struct {
	Records  RecordStore
	Retries  RetryStore
	Notifier Notifier
	Events   *EventLogger
	Metrics  *Metrics
	Clock    clock.Clock
}

// NewRetryManager creates a retry manager
func NewRetryManager(policy RetryPolicy, deps RetryManagerDeps) (*RetryManager, error) {
	if err := policy.Validate(); err != nil {
		return nil, NewConfigError("invalid retry policy", err)
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	return &RetryManager{
		policy:   policy,
		records:  deps.Records,
		retries:  deps.Retries,
		notifier: deps.Notifier,
		events:   deps.Events,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
	}, nil
}

// Policy returns the active policy
func (m *RetryManager) Policy() RetryPolicy {
	return m.policy
}

// Record registers a failure of the given record. The first failure creates
// the retry entry; each further failure increments it. Once the count
// reaches MaxAttempts the record becomes Exhausted and the entry is removed.
func (m *RetryManager) Record(ctx context.Context, recordID string, cause error) (*RetryDecision, error) {
	record, err := m.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		return nil, NewBackupError(BackupErrorTypeState,
			fmt.Sprintf("record %s is %s and cannot be retried", record.ID, record.Status), nil)
	}

	entry, err := m.retries.GetRetryEntry(ctx, recordID)
	switch {
	case IsNotFound(err):
		entry = &RetryEntry{BackupRecordID: recordID, TenantID: record.TenantID}
	case err != nil:
		return nil, fmt.Errorf("failed to load retry entry for %s: %w", recordID, err)
	}

	entry.AttemptCount++
	if cause != nil {
		entry.LastError = cause.Error()
	} else {
		entry.LastError = record.LastError
	}

	if entry.AttemptCount >= m.policy.MaxAttempts {
		return m.exhaust(ctx, record, entry)
	}

	entry.NextAttemptAt = m.clock.Now().Add(m.policy.Delay(entry.AttemptCount))
	// a retry that could not even start leaves the record Retrying
	if record.Status != BackupStatusRetrying {
		if err := record.Transition(BackupStatusRetrying); err != nil {
			return nil, err
		}
	}
	record.LastError = entry.LastError
	if err := m.records.UpdateRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to mark record %s retrying: %w", record.ID, err)
	}
	if err := m.retries.SaveRetryEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save retry entry for %s: %w", record.ID, err)
	}
	m.refreshPending(ctx)

	m.events.Tenant(ctx, LogLevelWarn, CategoryRetry, record.TenantID, record.ID,
		fmt.Sprintf("Backup failed, retry %d/%d scheduled", entry.AttemptCount, m.policy.MaxAttempts-1),
		map[string]interface{}{
			"next_attempt_at": entry.NextAttemptAt.Format(time.RFC3339),
			"error":           entry.LastError,
		})
	m.notify(ctx, EventFailure, record, entry)

	return &RetryDecision{
		Record:        record,
		AttemptCount:  entry.AttemptCount,
		NextAttemptAt: entry.NextAttemptAt,
	}, nil
}

func (m *RetryManager) exhaust(ctx context.Context, record *BackupRecord, entry *RetryEntry) (*RetryDecision, error) {
	if err := record.Transition(BackupStatusExhausted); err != nil {
		return nil, err
	}
	record.LastError = entry.LastError
	if err := m.records.UpdateRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to mark record %s exhausted: %w", record.ID, err)
	}
	if err := m.retries.DeleteRetryEntry(ctx, record.ID); err != nil {
		return nil, fmt.Errorf("failed to delete retry entry for %s: %w", record.ID, err)
	}
	m.refreshPending(ctx)
	m.metrics.incExhausted()

	exhausted := NewRetryExhaustedError(
		fmt.Sprintf("backup gave up after %d attempts", entry.AttemptCount), nil).
		WithContext("tenant_id", record.TenantID)
	m.events.Tenant(ctx, LogLevelError, CategoryRetry, record.TenantID, record.ID, exhausted.Error(),
		map[string]interface{}{"last_error": entry.LastError})
	m.notify(ctx, EventExhausted, record, entry)

	return &RetryDecision{
		Record:       record,
		AttemptCount: entry.AttemptCount,
		Exhausted:    true,
	}, nil
}

// Clear forgets the retry state of a record, typically after it succeeded
func (m *RetryManager) Clear(ctx context.Context, recordID string) error {
	if err := m.retries.DeleteRetryEntry(ctx, recordID); err != nil {
		return fmt.Errorf("failed to clear retry entry for %s: %w", recordID, err)
	}
	m.refreshPending(ctx)
	return nil
}

// DueEntries returns retry entries whose next attempt time has passed
func (m *RetryManager) DueEntries(ctx context.Context) ([]*RetryEntry, error) {
	return m.retries.DueRetryEntries(ctx, m.clock.Now())
}

// Pending returns every outstanding retry entry
func (m *RetryManager) Pending(ctx context.Context) ([]*RetryEntry, error) {
	return m.retries.ListRetryEntries(ctx)
}

func (m *RetryManager) refreshPending(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	if entries, err := m.retries.ListRetryEntries(ctx); err == nil {
		m.metrics.setRetriesPending(len(entries))
	}
}

func (m *RetryManager) notify(ctx context.Context, eventType EventType, record *BackupRecord, entry *RetryEntry) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, Event{
		Type:     eventType,
		TenantID: record.TenantID,
		RecordID: record.ID,
		Attempt:  entry.AttemptCount,
		Error:    entry.LastError,
		Time:     m.clock.Now(),
	})
}
