package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/database"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/source"
	"backup-orchestrator/internal/storage"
)

// Tenant config sources
const (
	SourceFile = "file"
	SourceSQL  = "sql"
)

// Store drivers
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config is the full process configuration
type Config struct {
	Logging       LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Scheduler     backup.SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	Retry         backup.RetryPolicy        `mapstructure:"retry" yaml:"retry"`
	Retention     backup.RetentionConfig    `mapstructure:"retention" yaml:"retention"`
	Storage       StorageConfig             `mapstructure:"storage" yaml:"storage"`
	Mirror        storage.Config            `mapstructure:"mirror" yaml:"mirror"`
	Notifications backup.NotificationConfig `mapstructure:"notifications" yaml:"notifications"`
	Database      database.Config           `mapstructure:"database" yaml:"database"`
	Tenants       TenantsConfig             `mapstructure:"tenants" yaml:"tenants"`
	Export        source.ExporterConfig     `mapstructure:"export" yaml:"export"`
	Store         StoreConfig               `mapstructure:"store" yaml:"store"`
	Audit         AuditConfig               `mapstructure:"audit" yaml:"audit"`
	API           APIConfig                 `mapstructure:"api" yaml:"api"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// StorageConfig describes the local snapshot tree
type StorageConfig struct {
	RootDir          string                 `mapstructure:"root_dir" yaml:"root_dir"`
	Compression      backup.CompressionType `mapstructure:"compression" yaml:"compression"`
	CompressionLevel int                    `mapstructure:"compression_level" yaml:"compression_level"`
	Timeout          time.Duration          `mapstructure:"timeout" yaml:"timeout"`
}

// TenantsConfig selects where tenant backup settings are read from
type TenantsConfig struct {
	Source string `mapstructure:"source" yaml:"source"`
	File   string `mapstructure:"file" yaml:"file"`
	Table  string `mapstructure:"table" yaml:"table"`
	// DueTolerance lets a run start slightly before a full interval has passed.
	DueTolerance time.Duration `mapstructure:"due_tolerance" yaml:"due_tolerance"`
}

// StoreConfig selects the record store
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// AuditConfig configures the JSON-lines audit log
type AuditConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// APIConfig configures the management HTTP server
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Address         string        `mapstructure:"address" yaml:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Scheduler: backup.DefaultSchedulerConfig(),
		Retry:     backup.DefaultRetryPolicy(),
		Retention: backup.DefaultRetentionConfig(),
		API:       APIConfig{Enabled: true},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset value
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.setSchedulerDefaults()
	c.setRetryDefaults()

	retention := backup.DefaultRetentionConfig()
	if c.Retention.ValidationRecordRetention == 0 {
		c.Retention.ValidationRecordRetention = retention.ValidationRecordRetention
	}
	if c.Retention.LogRetention == 0 {
		c.Retention.LogRetention = retention.LogRetention
	}

	c.Storage.SetDefaults()
	c.Mirror.SetDefaults()
	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 30 * time.Second
	}
	c.Database.SetDefaults()
	c.Tenants.SetDefaults()
	if c.Export.TenantColumn == "" {
		c.Export.TenantColumn = "tenant_id"
	}
	c.Store.SetDefaults()
	c.Audit.SetDefaults()
	c.API.SetDefaults()
}

func (c *Config) setSchedulerDefaults() {
	defaults := backup.DefaultSchedulerConfig()
	if c.Scheduler.CheckSchedule == "" {
		c.Scheduler.CheckSchedule = defaults.CheckSchedule
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = defaults.Timezone
	}
	if c.Scheduler.InitialDelay == 0 {
		c.Scheduler.InitialDelay = defaults.InitialDelay
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = defaults.Concurrency
	}
	if c.Scheduler.InterRunDelay == 0 {
		c.Scheduler.InterRunDelay = defaults.InterRunDelay
	}
	if c.Scheduler.RetryPause == 0 {
		c.Scheduler.RetryPause = defaults.RetryPause
	}
}

func (c *Config) setRetryDefaults() {
	defaults := backup.DefaultRetryPolicy()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = defaults.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = defaults.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = defaults.Multiplier
	}
}

// SetDefaults sets default values for the logger
func (lc *LoggingConfig) SetDefaults() {
	if lc.Level == "" {
		lc.Level = string(logging.LogLevelNormal)
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
}

// SetDefaults sets default values for the snapshot tree
func (sc *StorageConfig) SetDefaults() {
	if sc.RootDir == "" {
		sc.RootDir = "./backups"
	}
	if sc.Compression == "" {
		sc.Compression = backup.CompressionTypeGzip
	}
	if sc.Timeout == 0 {
		sc.Timeout = 10 * time.Minute
	}
}

// SetDefaults sets default values for the tenant source
func (tc *TenantsConfig) SetDefaults() {
	if tc.Source == "" {
		tc.Source = SourceFile
	}
	if tc.Source == SourceFile && tc.File == "" {
		tc.File = "./tenants.yaml"
	}
	if tc.Source == SourceSQL && tc.Table == "" {
		tc.Table = "tenant_backup_settings"
	}
	if tc.DueTolerance == 0 {
		tc.DueTolerance = time.Hour
	}
}

// SetDefaults sets default values for the record store
func (sc *StoreConfig) SetDefaults() {
	if sc.Driver == "" {
		sc.Driver = StoreSQLite
	}
	if sc.Driver == StoreSQLite && sc.Path == "" {
		sc.Path = "./data/orchestrator.db"
	}
}

// SetDefaults sets default values for the audit log
func (ac *AuditConfig) SetDefaults() {
	if ac.File == "" {
		ac.File = "./logs/backup-audit.log"
	}
	if ac.MaxSizeMB == 0 {
		ac.MaxSizeMB = 10
	}
	if ac.MaxBackups == 0 {
		ac.MaxBackups = 30
	}
}

// SetDefaults sets default values for the management server
func (ac *APIConfig) SetDefaults() {
	if ac.Address == "" {
		ac.Address = "127.0.0.1:8085"
	}
	if ac.ReadTimeout == 0 {
		ac.ReadTimeout = 15 * time.Second
	}
	if ac.WriteTimeout == 0 {
		ac.WriteTimeout = 30 * time.Second
	}
	if ac.ShutdownTimeout == 0 {
		ac.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks the whole configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs backup.ValidationErrors

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs.Add("logging.level", err.Error(), c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs.Add("logging.format", "must be text or json", c.Logging.Format)
	}

	if c.Scheduler.RetentionHour < 0 || c.Scheduler.RetentionHour > 23 {
		errs.Add("scheduler.retention_hour", "must be between 0 and 23", c.Scheduler.RetentionHour)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs.Add("scheduler.timezone", "unknown time zone", c.Scheduler.Timezone)
	}
	if c.Scheduler.Concurrency < 1 {
		errs.Add("scheduler.concurrency", "must be at least 1", c.Scheduler.Concurrency)
	}

	if err := c.Retry.Validate(); err != nil {
		appendPrefixed(&errs, "retry", err)
	}

	if c.Storage.RootDir == "" {
		errs.Add("storage.root_dir", "backup root directory is required", c.Storage.RootDir)
	}
	if _, err := backup.NewCodec(c.Storage.Compression, c.Storage.CompressionLevel); err != nil {
		errs.Add("storage.compression", err.Error(), c.Storage.Compression)
	}
	if c.Storage.Timeout < 0 {
		errs.Add("storage.timeout", "cannot be negative", c.Storage.Timeout.String())
	}

	if err := c.Mirror.Validate(); err != nil {
		appendPrefixed(&errs, "mirror", err)
	}
	validateNotifications(&errs, c.Notifications)

	if err := c.Database.Validate(); err != nil {
		appendPrefixed(&errs, "database", err)
	}

	switch c.Tenants.Source {
	case SourceFile:
		if c.Tenants.File == "" {
			errs.Add("tenants.file", "tenant config file is required", c.Tenants.File)
		}
	case SourceSQL:
		if c.Tenants.Table == "" {
			errs.Add("tenants.table", "tenant config table is required", c.Tenants.Table)
		}
	default:
		errs.Add("tenants.source", "must be file or sql", c.Tenants.Source)
	}
	if c.Tenants.DueTolerance < 0 {
		errs.Add("tenants.due_tolerance", "cannot be negative", c.Tenants.DueTolerance.String())
	}

	if len(c.Export.Tables) == 0 {
		errs.Add("export.tables", "at least one table must be exported", nil)
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			errs.Add("store.path", "store path is required for sqlite", c.Store.Path)
		}
	case StoreMemory:
	default:
		errs.Add("store.driver", "must be sqlite or memory", c.Store.Driver)
	}

	if c.API.Enabled && c.API.Address == "" {
		errs.Add("api.address", "listen address is required", c.API.Address)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateNotifications(errs *backup.ValidationErrors, nc backup.NotificationConfig) {
	if !nc.Enabled {
		return
	}
	if nc.Email != nil {
		if nc.Email.SMTPHost == "" {
			errs.Add("notifications.email.smtp_host", "SMTP host is required", nil)
		}
		if len(nc.Email.To) == 0 {
			errs.Add("notifications.email.to", "at least one recipient is required", nil)
		}
	}
	if nc.Webhook != nil && nc.Webhook.URL == "" {
		errs.Add("notifications.webhook.url", "webhook URL is required", nil)
	}
	if nc.Slack != nil && nc.Slack.WebhookURL == "" {
		errs.Add("notifications.slack.webhook_url", "Slack webhook URL is required", nil)
	}
	if nc.Teams != nil && nc.Teams.WebhookURL == "" {
		errs.Add("notifications.teams.webhook_url", "Teams webhook URL is required", nil)
	}
	if nc.File != nil && nc.File.Path == "" {
		errs.Add("notifications.file.path", "notification file path is required", nil)
	}
}

// appendPrefixed folds a nested ValidationErrors into errs under prefix
func appendPrefixed(errs *backup.ValidationErrors, prefix string, err error) {
	nested, ok := err.(backup.ValidationErrors)
	if !ok {
		errs.Add(prefix, err.Error(), nil)
		return
	}
	for _, fe := range nested {
		errs.Add(prefix+"."+fe.Field, fe.Message, fe.Value)
	}
}

// LoadFromEnvironment overrides settings from BACKUP_* environment variables
func (c *Config) LoadFromEnvironment() {
	setString(&c.Logging.Level, "BACKUP_LOG_LEVEL")
	setString(&c.Logging.Format, "BACKUP_LOG_FORMAT")
	setString(&c.Logging.File, "BACKUP_LOG_FILE")

	setString(&c.Scheduler.CheckSchedule, "BACKUP_CHECK_SCHEDULE")
	setString(&c.Scheduler.Timezone, "BACKUP_TIMEZONE")
	setInt(&c.Scheduler.Concurrency, "BACKUP_CONCURRENCY")
	setInt(&c.Scheduler.RetentionHour, "BACKUP_RETENTION_HOUR")
	setDuration(&c.Scheduler.InitialDelay, "BACKUP_INITIAL_DELAY")

	setInt(&c.Retry.MaxAttempts, "BACKUP_RETRY_MAX_ATTEMPTS")
	setDuration(&c.Retry.BaseDelay, "BACKUP_RETRY_BASE_DELAY")
	setDuration(&c.Retry.MaxDelay, "BACKUP_RETRY_MAX_DELAY")

	setString(&c.Storage.RootDir, "BACKUP_ROOT_DIR")
	if val := os.Getenv("BACKUP_COMPRESSION"); val != "" {
		c.Storage.Compression = backup.CompressionType(strings.ToLower(val))
	}
	setInt(&c.Storage.CompressionLevel, "BACKUP_COMPRESSION_LEVEL")
	setDuration(&c.Storage.Timeout, "BACKUP_TIMEOUT")

	if val := os.Getenv("BACKUP_NOTIFICATIONS_ENABLED"); val != "" {
		c.Notifications.Enabled = strings.ToLower(val) == "true"
	}

	c.Mirror.LoadFromEnvironment()
	c.Database.LoadFromEnvironment()

	setString(&c.Tenants.Source, "BACKUP_TENANT_SOURCE")
	setString(&c.Tenants.File, "BACKUP_TENANT_FILE")
	setString(&c.Tenants.Table, "BACKUP_TENANT_TABLE")
	if val := os.Getenv("BACKUP_EXPORT_TABLES"); val != "" {
		c.Export.Tables = splitList(val)
	}
	setString(&c.Export.TenantColumn, "BACKUP_EXPORT_TENANT_COLUMN")

	setString(&c.Store.Driver, "BACKUP_STORE_DRIVER")
	setString(&c.Store.Path, "BACKUP_STORE_PATH")
	setString(&c.Audit.File, "BACKUP_AUDIT_FILE")
	setString(&c.API.Address, "BACKUP_API_ADDRESS")
}

func setString(target *string, name string) {
	if val := os.Getenv(name); val != "" {
		*target = val
	}
}

func setInt(target *int, name string) {
	if val := os.Getenv(name); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			*target = parsed
		}
	}
}

func setDuration(target *time.Duration, name string) {
	if val := os.Getenv(name); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			*target = parsed
		}
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EnvironmentVariables lists every variable LoadFromEnvironment reads
func EnvironmentVariables() []string {
	return []string{
		"BACKUP_LOG_LEVEL",
		"BACKUP_LOG_FORMAT",
		"BACKUP_LOG_FILE",
		"BACKUP_CHECK_SCHEDULE",
		"BACKUP_TIMEZONE",
		"BACKUP_CONCURRENCY",
		"BACKUP_RETENTION_HOUR",
		"BACKUP_INITIAL_DELAY",
		"BACKUP_RETRY_MAX_ATTEMPTS",
		"BACKUP_RETRY_BASE_DELAY",
		"BACKUP_RETRY_MAX_DELAY",
		"BACKUP_ROOT_DIR",
		"BACKUP_COMPRESSION",
		"BACKUP_COMPRESSION_LEVEL",
		"BACKUP_TIMEOUT",
		"BACKUP_NOTIFICATIONS_ENABLED",
		"BACKUP_MIRROR_PROVIDER",
		"BACKUP_MIRROR_PREFIX",
		"BACKUP_S3_BUCKET",
		"BACKUP_S3_REGION",
		"BACKUP_S3_ACCESS_KEY",
		"BACKUP_S3_SECRET_KEY",
		"BACKUP_S3_ENDPOINT",
		"BACKUP_S3_FORCE_PATH_STYLE",
		"BACKUP_GCS_BUCKET",
		"BACKUP_GCS_CREDENTIALS_PATH",
		"BACKUP_GCS_ENDPOINT",
		"BACKUP_AZURE_ACCOUNT_NAME",
		"BACKUP_AZURE_ACCOUNT_KEY",
		"BACKUP_AZURE_CONTAINER_NAME",
		"BACKUP_AZURE_ENDPOINT",
		"BACKUP_DB_HOST",
		"BACKUP_DB_PORT",
		"BACKUP_DB_USER",
		"BACKUP_DB_PASSWORD",
		"BACKUP_DB_NAME",
		"BACKUP_DB_TIMEOUT",
		"BACKUP_TENANT_SOURCE",
		"BACKUP_TENANT_FILE",
		"BACKUP_TENANT_TABLE",
		"BACKUP_EXPORT_TABLES",
		"BACKUP_EXPORT_TENANT_COLUMN",
		"BACKUP_STORE_DRIVER",
		"BACKUP_STORE_PATH",
		"BACKUP_AUDIT_FILE",
		"BACKUP_API_ADDRESS",
	}
}
