// Package source holds the orchestrator's view of tenant management: where
// per-tenant backup settings come from and how a tenant's data is exported.
package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"backup-orchestrator/internal/backup"

	"gopkg.in/yaml.v3"
)

// DefaultRetentionDays applies when a tenant does not set retention_days
const DefaultRetentionDays = 30

// tenantFile is the on-disk layout of a tenant config file
type tenantFile struct {
	Tenants []tenantEntry `yaml:"tenants"`
}

type tenantEntry struct {
	TenantID           string `yaml:"tenant_id"`
	TenantName         string `yaml:"tenant_name"`
	Enabled            *bool  `yaml:"enabled"`
	Frequency          string `yaml:"frequency"`
	ScheduledTime      string `yaml:"scheduled_time"`
	MaxRetainedBackups *int   `yaml:"max_retained_backups"`
	KeepLocalCopy      *bool  `yaml:"keep_local_copy"`
	RetentionDays      *int   `yaml:"retention_days"`
}

func (e tenantEntry) config() backup.BackupConfig {
	cfg := backup.BackupConfig{
		TenantID:           e.TenantID,
		TenantName:         e.TenantName,
		Enabled:            true,
		Frequency:          backup.Frequency(e.Frequency),
		ScheduledTime:      e.ScheduledTime,
		MaxRetainedBackups: 7,
		KeepLocalCopy:      true,
		RetentionDays:      DefaultRetentionDays,
	}
	if e.Enabled != nil {
		cfg.Enabled = *e.Enabled
	}
	if cfg.Frequency == "" {
		cfg.Frequency = backup.FrequencyDaily
	}
	if e.MaxRetainedBackups != nil {
		cfg.MaxRetainedBackups = *e.MaxRetainedBackups
	}
	if e.KeepLocalCopy != nil {
		cfg.KeepLocalCopy = *e.KeepLocalCopy
	}
	if e.RetentionDays != nil {
		cfg.RetentionDays = *e.RetentionDays
	}
	return cfg
}

// FileConfigSource reads tenant configs from a YAML file. The file is read on
// every call so edits apply at the next scheduler tick.
type FileConfigSource struct {
	path string
	mu   sync.Mutex
}

// NewFileConfigSource creates a source for the YAML file at path
func NewFileConfigSource(path string) *FileConfigSource {
	return &FileConfigSource{path: path}
}

// Path returns the file being read
func (s *FileConfigSource) Path() string {
	return s.path
}

func (s *FileConfigSource) load() ([]backup.BackupConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, backup.NewConfigError("failed to read tenant config file", err).WithContext("path", s.path)
	}

	var file tenantFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, backup.NewConfigError("failed to parse tenant config file", err).WithContext("path", s.path)
	}

	seen := make(map[string]bool, len(file.Tenants))
	configs := make([]backup.BackupConfig, 0, len(file.Tenants))
	for i, entry := range file.Tenants {
		if entry.TenantID != "" && seen[entry.TenantID] {
			return nil, backup.NewConfigError(fmt.Sprintf("duplicate tenant_id %q at entry %d", entry.TenantID, i), nil).
				WithContext("path", s.path)
		}
		seen[entry.TenantID] = true
		configs = append(configs, entry.config())
	}
	return configs, nil
}

// ListConfigs returns every tenant in file order
func (s *FileConfigSource) ListConfigs(ctx context.Context) ([]backup.BackupConfig, error) {
	return s.load()
}

// GetConfig returns one tenant's config
func (s *FileConfigSource) GetConfig(ctx context.Context, tenantID string) (*backup.BackupConfig, error) {
	configs, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].TenantID == tenantID {
			return &configs[i], nil
		}
	}
	return nil, backup.NewNotFoundError(fmt.Sprintf("tenant %s not found", tenantID), nil)
}

var _ backup.ConfigSource = (*FileConfigSource)(nil)
