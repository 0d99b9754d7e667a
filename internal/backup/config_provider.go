package backup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultDueTolerance lets a run that finished slightly after its scheduled
// minute be picked up again at the same minute the next cycle.
const DefaultDueTolerance = time.Hour

// ParseScheduledTime parses an "HH:MM" time of day
func ParseScheduledTime(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("scheduled time %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("scheduled time %q has invalid hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scheduled time %q has invalid minute", s)
	}
	return hour, minute, nil
}

// IsDue reports whether a tenant should be backed up at now.
//
// A tenant is due when it is enabled, its interval (less tolerance) has
// elapsed since LastRunAt, and now is at or after ScheduledTime on the day
// the interval ran out. A tenant that never ran is due from ScheduledTime
// today. Missed intervals collapse into a single due result.
func IsDue(cfg BackupConfig, now time.Time, loc *time.Location, tolerance time.Duration) (bool, error) {
	if !cfg.Enabled {
		return false, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	hour, minute, err := ParseScheduledTime(cfg.ScheduledTime)
	if err != nil {
		return false, NewConfigError("invalid scheduled time", err).WithContext("tenant_id", cfg.TenantID)
	}
	interval, err := cfg.Frequency.Interval()
	if err != nil {
		return false, NewConfigError("invalid frequency", err).WithContext("tenant_id", cfg.TenantID)
	}
	if tolerance < 0 || tolerance >= interval {
		tolerance = 0
	}

	dueDay := now.In(loc)
	if cfg.LastRunAt != nil {
		earliest := cfg.LastRunAt.Add(interval - tolerance)
		if now.Before(earliest) {
			return false, nil
		}
		dueDay = earliest.In(loc)
	}

	dueAt := time.Date(dueDay.Year(), dueDay.Month(), dueDay.Day(), hour, minute, 0, 0, loc)
	return !now.Before(dueAt), nil
}

// ConfigProvider answers which tenants are due
type ConfigProvider struct {
	source    ConfigSource
	records   RecordStore
	retries   RetryStore
	events    *EventLogger
	validate  *validator.Validate
	location  *time.Location
	tolerance time.Duration
}

// ConfigProviderOptions tunes due evaluation
type ConfigProviderOptions struct {
	Location     *time.Location
	DueTolerance time.Duration
}

// NewConfigProvider creates a provider over a tenant config source. records
// and retries may be nil, in which case LastRunAt comes only from the source
// and pending retries are not consulted.
func NewConfigProvider(source ConfigSource, records RecordStore, retries RetryStore, events *EventLogger, opts ConfigProviderOptions) *ConfigProvider {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &ConfigProvider{
		source:    source,
		records:   records,
		retries:   retries,
		events:    events,
		validate:  NewConfigValidator(),
		location:  opts.Location,
		tolerance: opts.DueTolerance,
	}
}

// NewConfigValidator returns a validator that understands BackupConfig tags
func NewConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, _, err := ParseScheduledTime(fl.Field().String())
		return err == nil
	})
	return v
}

// Location is the time zone scheduled times are read in
func (p *ConfigProvider) Location() *time.Location {
	return p.location
}

// Validate checks a tenant config and returns a ConfigError describing every
// invalid field.
func (p *ConfigProvider) Validate(cfg BackupConfig) error {
	err := p.validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewConfigError("tenant config could not be validated", err).WithContext("tenant_id", cfg.TenantID)
	}

	var errs ValidationErrors
	for _, fe := range fieldErrs {
		errs.Add(fe.Field(), fmt.Sprintf("failed %q check", fe.Tag()), fe.Value())
	}
	return NewConfigError("invalid tenant config", errs).WithContext("tenant_id", cfg.TenantID)
}

// Get returns a validated config for one tenant
func (p *ConfigProvider) Get(ctx context.Context, tenantID string) (*BackupConfig, error) {
	cfg, err := p.source.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(*cfg); err != nil {
		return nil, err
	}
	if err := p.applyLastRun(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// All returns every valid tenant config, logging and skipping invalid ones
func (p *ConfigProvider) All(ctx context.Context) ([]BackupConfig, error) {
	configs, err := p.source.ListConfigs(ctx)
	if err != nil {
		return nil, NewConfigError("failed to list tenant configs", err)
	}

	valid := make([]BackupConfig, 0, len(configs))
	for _, cfg := range configs {
		if err := p.Validate(cfg); err != nil {
			p.warnConfig(ctx, cfg.TenantID, err)
			continue
		}
		valid = append(valid, cfg)
	}
	return valid, nil
}

// DueTenants returns the configs of every tenant due at now, once each.
// Tenants with a pending retry are left to the retry path.
func (p *ConfigProvider) DueTenants(ctx context.Context, now time.Time) ([]BackupConfig, error) {
	configs, err := p.All(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := p.pendingRetryTenants(ctx)
	if err != nil {
		return nil, err
	}

	var due []BackupConfig
	for _, cfg := range configs {
		if !cfg.Enabled || pending[cfg.TenantID] {
			continue
		}
		if err := p.applyLastRun(ctx, &cfg); err != nil {
			return nil, err
		}
		ok, err := IsDue(cfg, now, p.location, p.tolerance)
		if err != nil {
			p.warnConfig(ctx, cfg.TenantID, err)
			continue
		}
		if ok {
			due = append(due, cfg)
		}
	}
	return due, nil
}

// applyLastRun moves LastRunAt forward to the newest succeeded or exhausted
// record, so the source does not have to be written back to after every run.
// An exhausted record counts as a run: the tenant waits a full interval
// before a new retry cycle starts.
func (p *ConfigProvider) applyLastRun(ctx context.Context, cfg *BackupConfig) error {
	if p.records == nil {
		return nil
	}
	latest, err := p.records.ListRecords(ctx, RecordFilter{
		TenantID: cfg.TenantID,
		Statuses: []BackupStatus{BackupStatusSucceeded, BackupStatusExhausted},
		Limit:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to read last run for tenant %s: %w", cfg.TenantID, err)
	}
	if len(latest) == 0 {
		return nil
	}
	started := latest[0].StartedAt
	if cfg.LastRunAt == nil || started.After(*cfg.LastRunAt) {
		cfg.LastRunAt = &started
	}
	return nil
}

func (p *ConfigProvider) pendingRetryTenants(ctx context.Context) (map[string]bool, error) {
	pending := make(map[string]bool)
	if p.retries == nil {
		return pending, nil
	}
	entries, err := p.retries.ListRetryEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry entries: %w", err)
	}
	for _, entry := range entries {
		pending[entry.TenantID] = true
	}
	return pending, nil
}

func (p *ConfigProvider) warnConfig(ctx context.Context, tenantID string, err error) {
	if p.events == nil {
		return
	}
	p.events.Tenant(ctx, LogLevelWarn, CategoryConfig, tenantID, "",
		"Skipping tenant with invalid backup config", map[string]interface{}{"error": err.Error()})
}
