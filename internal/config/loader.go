package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the viper prefix for flag-style overrides such as
// BACKUP_ORCHESTRATOR_API_ADDRESS
const EnvPrefix = "BACKUP_ORCHESTRATOR"

// Loader reads the configuration file through viper. Precedence, highest
// first: values bound on the viper instance (flags), BACKUP_* variables,
// the file, defaults.
type Loader struct {
	viper *viper.Viper
}

// NewLoader creates a loader over v, or a fresh viper instance when v is nil
func NewLoader(v *viper.Viper) *Loader {
	if v == nil {
		v = viper.New()
	}
	return &Loader{viper: v}
}

// Viper returns the underlying instance so commands can bind flags
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}

func (l *Loader) setupViper(configPath string) {
	if configPath != "" {
		l.viper.SetConfigFile(configPath)
	} else {
		l.viper.SetConfigName("backup-orchestrator")
		l.viper.SetConfigType("yaml")
		l.viper.AddConfigPath(".")
		l.viper.AddConfigPath("$HOME/.config/backup-orchestrator")
		l.viper.AddConfigPath("/etc/backup-orchestrator")
	}

	l.viper.AutomaticEnv()
	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

// Load reads, merges, defaults and validates the configuration. A missing
// file is only an error when configPath names it explicitly.
func (l *Loader) Load(configPath string) (*Config, error) {
	cfg, err := l.read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadUnvalidated is Load without the final Validate, for commands that only
// display configuration
func (l *Loader) LoadUnvalidated(configPath string) (*Config, error) {
	return l.read(configPath)
}

func (l *Loader) read(configPath string) (*Config, error) {
	l.setupViper(configPath)

	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Default()
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.LoadFromEnvironment()
	l.applyOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

// applyOverrides copies the flag-level keys commands bind onto viper
func (l *Loader) applyOverrides(cfg *Config) {
	if l.viper.IsSet("api.address") {
		cfg.API.Address = l.viper.GetString("api.address")
	}
	if l.viper.IsSet("logging.level") {
		cfg.Logging.Level = l.viper.GetString("logging.level")
	}
	if l.viper.IsSet("logging.format") {
		cfg.Logging.Format = l.viper.GetString("logging.format")
	}
}

// ConfigFileUsed returns the file viper read, if any
func (l *Loader) ConfigFileUsed() string {
	return l.viper.ConfigFileUsed()
}

// Marshal renders cfg as YAML with secrets masked
func Marshal(cfg *Config) ([]byte, error) {
	masked := *cfg
	if masked.Database.Password != "" {
		masked.Database.Password = "********"
	}
	if masked.Mirror.S3 != nil && masked.Mirror.S3.SecretKey != "" {
		s3 := *masked.Mirror.S3
		s3.SecretKey = "********"
		masked.Mirror.S3 = &s3
	}
	if masked.Mirror.Azure != nil && masked.Mirror.Azure.AccountKey != "" {
		azure := *masked.Mirror.Azure
		azure.AccountKey = "********"
		masked.Mirror.Azure = &azure
	}
	if masked.Notifications.Email != nil && masked.Notifications.Email.Password != "" {
		email := *masked.Notifications.Email
		email.Password = "********"
		masked.Notifications.Email = &email
	}

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

// WriteTemplate writes the commented starter configuration to path,
// refusing to overwrite an existing file
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(Template()), 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// Template returns a complete starter configuration
func Template() string {
	return `# backup-orchestrator configuration
# Every value can be overridden with a BACKUP_* environment variable;
# run "backup-orchestrator config env" for the list.

logging:
  level: normal        # quiet, normal, verbose, debug
  format: text         # text or json
  file: ""             # optional rotating log file

scheduler:
  check_schedule: "0 * * * *"   # cron expression for the due check
  timezone: UTC                 # used for scheduled_time and the cron
  initial_delay: 30s            # first check after start, negative disables
  concurrency: 1                # tenants backed up at the same time
  inter_run_delay: 1s
  retry_pause: 2s
  retention_hour: 2             # hour of the daily retention sweep

retry:
  max_attempts: 5
  base_delay: 5m
  max_delay: 6h
  multiplier: 2

retention:
  validation_record_retention: 2160h   # 90 days
  log_retention: 1440h                 # 60 days

storage:
  root_dir: ./backups
  compression: gzip     # none, gzip, zstd, lz4
  compression_level: 0  # codec default
  timeout: 10m

mirror:
  provider: ""          # s3, gcs, azure or empty to disable
  prefix: backups
  # s3:
  #   bucket: my-backups
  #   region: us-east-1
  # gcs:
  #   bucket: my-backups
  #   credentials_path: /etc/backup-orchestrator/gcs.json
  # azure:
  #   account_name: myaccount
  #   account_key: ""
  #   container_name: backups

notifications:
  enabled: false
  timeout: 30s
  # email:
  #   smtp_host: smtp.example.com
  #   smtp_port: 587
  #   from: backups@example.com
  #   to: [ops@example.com]
  #   events: [failure, exhausted]
  # webhook:
  #   url: https://hooks.example.com/backup
  #   attempts: 3
  # slack:
  #   webhook_url: https://hooks.slack.com/services/...
  # file:
  #   path: ./logs/notifications.log
  #   format: json

database:
  host: localhost
  port: 3306
  username: backup
  password: ""          # prefer BACKUP_DB_PASSWORD
  database: app

tenants:
  source: file          # file or sql
  file: ./tenants.yaml
  table: tenant_backup_settings
  due_tolerance: 1h

export:
  tenant_column: tenant_id
  tables: []

store:
  driver: sqlite        # sqlite or memory
  path: ./data/orchestrator.db

audit:
  file: ./logs/backup-audit.log
  max_size_mb: 10
  max_backups: 30

api:
  enabled: true
  address: 127.0.0.1:8085
`
}
