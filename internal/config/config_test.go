package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/storage"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// validConfig returns a configuration that passes Validate
func validConfig() *Config {
	cfg := Default()
	cfg.Database.Host = "localhost"
	cfg.Database.Username = "backup"
	cfg.Database.Database = "app"
	cfg.Export.Tables = []string{"customers", "orders"}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0 * * * *", cfg.Scheduler.CheckSchedule)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.InitialDelay)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, backup.CompressionTypeGzip, cfg.Storage.Compression)
	assert.Equal(t, SourceFile, cfg.Tenants.Source)
	assert.Equal(t, time.Hour, cfg.Tenants.DueTolerance)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, "tenant_id", cfg.Export.TenantColumn)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, storage.DefaultPrefix, cfg.Mirror.Prefix)
	assert.True(t, cfg.API.Enabled)
	assert.False(t, cfg.Mirror.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "loud" },
			fields: []string{"logging.level"},
		},
		{
			name:   "retention hour out of range",
			mutate: func(c *Config) { c.Scheduler.RetentionHour = 24 },
			fields: []string{"scheduler.retention_hour"},
		},
		{
			name:   "unknown timezone",
			mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
			fields: []string{"scheduler.timezone"},
		},
		{
			name:   "retry policy",
			mutate: func(c *Config) { c.Retry.MaxAttempts = 0 },
			fields: []string{"retry.max_attempts"},
		},
		{
			name:   "compression",
			mutate: func(c *Config) { c.Storage.Compression = "brotli" },
			fields: []string{"storage.compression"},
		},
		{
			name:   "mirror without bucket",
			mutate: func(c *Config) { c.Mirror.Provider = storage.ProviderGCS },
			fields: []string{"mirror.gcs.bucket"},
		},
		{
			name:   "database",
			mutate: func(c *Config) { c.Database.Host = "" },
			fields: []string{"database.host"},
		},
		{
			name:   "tenant source",
			mutate: func(c *Config) { c.Tenants.Source = "ldap" },
			fields: []string{"tenants.source"},
		},
		{
			name:   "no export tables",
			mutate: func(c *Config) { c.Export.Tables = nil },
			fields: []string{"export.tables"},
		},
		{
			name:   "store driver",
			mutate: func(c *Config) { c.Store.Driver = "postgres" },
			fields: []string{"store.driver"},
		},
		{
			name: "notification channels",
			mutate: func(c *Config) {
				c.Notifications.Enabled = true
				c.Notifications.Email = &backup.EmailConfig{}
				c.Notifications.Webhook = &backup.WebhookConfig{}
			},
			fields: []string{"notifications.email.smtp_host", "notifications.email.to", "notifications.webhook.url"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}

			var errs backup.ValidationErrors
			require.ErrorAs(t, err, &errs)
			var got []string
			for _, fe := range errs {
				got = append(got, fe.Field)
			}
			assert.ElementsMatch(t, tt.fields, got)
		})
	}
}

func TestConfig_LoadFromEnvironment(t *testing.T) {
	t.Setenv("BACKUP_ROOT_DIR", "/var/backups")
	t.Setenv("BACKUP_COMPRESSION", "ZSTD")
	t.Setenv("BACKUP_CONCURRENCY", "4")
	t.Setenv("BACKUP_RETRY_BASE_DELAY", "90s")
	t.Setenv("BACKUP_EXPORT_TABLES", "customers, orders,,invoices")
	t.Setenv("BACKUP_NOTIFICATIONS_ENABLED", "true")
	t.Setenv("BACKUP_MIRROR_PROVIDER", "s3")
	t.Setenv("BACKUP_S3_BUCKET", "tenant-backups")
	t.Setenv("BACKUP_DB_HOST", "mysql")

	cfg := Default()
	cfg.LoadFromEnvironment()

	assert.Equal(t, "/var/backups", cfg.Storage.RootDir)
	assert.Equal(t, backup.CompressionTypeZstd, cfg.Storage.Compression)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, []string{"customers", "orders", "invoices"}, cfg.Export.Tables)
	assert.True(t, cfg.Notifications.Enabled)
	assert.Equal(t, storage.ProviderS3, cfg.Mirror.Provider)
	require.NotNil(t, cfg.Mirror.S3)
	assert.Equal(t, "tenant-backups", cfg.Mirror.S3.Bucket)
	assert.Equal(t, "mysql", cfg.Database.Host)
}

func TestEnvironmentVariables(t *testing.T) {
	vars := EnvironmentVariables()
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		assert.False(t, seen[v], "duplicate %s", v)
		seen[v] = true
	}
	assert.True(t, seen["BACKUP_DB_PASSWORD"])
	assert.True(t, seen["BACKUP_S3_BUCKET"])
}

const sampleConfig = `
scheduler:
  check_schedule: "*/30 * * * *"
  timezone: Local
  concurrency: 2
  initial_delay: -1s
retry:
  max_attempts: 3
  base_delay: 2m
storage:
  root_dir: %s
  compression: lz4
mirror:
  provider: azure
  azure:
    account_name: acct
    account_key: a2V5
    container_name: snapshots
notifications:
  enabled: true
  webhook:
    url: https://hooks.example.com/backup
    events: [failure, exhausted]
database:
  host: db
  username: backup
  password: hunter2
  database: app
tenants:
  source: sql
export:
  tables: [customers]
store:
  driver: memory
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup-orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoader_Load(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(sampleConfig, root))

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "*/30 * * * *", cfg.Scheduler.CheckSchedule)
	assert.Equal(t, "Local", cfg.Scheduler.Timezone)
	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, -time.Second, cfg.Scheduler.InitialDelay)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Retry.BaseDelay)
	assert.Equal(t, 6*time.Hour, cfg.Retry.MaxDelay, "unset values keep their defaults")
	assert.Equal(t, root, cfg.Storage.RootDir)
	assert.Equal(t, backup.CompressionTypeLZ4, cfg.Storage.Compression)
	require.NotNil(t, cfg.Mirror.Azure)
	assert.Equal(t, "snapshots", cfg.Mirror.Azure.ContainerName)
	require.NotNil(t, cfg.Notifications.Webhook)
	assert.Equal(t, []backup.EventType{backup.EventFailure, backup.EventExhausted}, cfg.Notifications.Webhook.Events)
	assert.Equal(t, SourceSQL, cfg.Tenants.Source)
	assert.Equal(t, "tenant_backup_settings", cfg.Tenants.Table)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.True(t, cfg.API.Enabled)
}

func TestLoader_EnvironmentBeatsFile(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(sampleConfig, t.TempDir()))
	t.Setenv("BACKUP_CONCURRENCY", "8")
	t.Setenv("BACKUP_ORCHESTRATOR_API_ADDRESS", "0.0.0.0:9090")

	cfg, err := NewLoader(viper.New()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, "0.0.0.0:9090", cfg.API.Address)
}

func TestLoader_Errors(t *testing.T) {
	_, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = NewLoader(nil).Load(writeConfig(t, "scheduler: [broken"))
	assert.Error(t, err)

	// parses fine but the database section is empty
	_, err = NewLoader(nil).Load(writeConfig(t, "export:\n  tables: [customers]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	cfg, err := NewLoader(nil).LoadUnvalidated(writeConfig(t, "export:\n  tables: [customers]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"customers"}, cfg.Export.Tables)
}

func TestMarshal_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "hunter2"
	cfg.Mirror.Provider = storage.ProviderS3
	cfg.Mirror.S3 = &storage.S3Config{Bucket: "b", Region: "r", AccessKey: "AKIA", SecretKey: "shh"}

	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "shh")
	assert.Equal(t, "shh", cfg.Mirror.S3.SecretKey, "the original is left untouched")

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "scheduler")
}

func TestTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "backup-orchestrator.yaml")
	require.NoError(t, WriteTemplate(path))
	assert.Error(t, WriteTemplate(path), "existing files are not overwritten")

	cfg, err := NewLoader(nil).LoadUnvalidated(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Scheduler, cfg.Scheduler)
	assert.Equal(t, Default().Retry, cfg.Retry)
	assert.Equal(t, "localhost", cfg.Database.Host)
}
