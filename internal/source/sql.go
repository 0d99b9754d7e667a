package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"backup-orchestrator/internal/backup"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteIdentifier validates and backquotes a MySQL table or column name
func quoteIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", backup.NewConfigError(fmt.Sprintf("invalid SQL identifier %q", name), nil)
	}
	return "`" + name + "`", nil
}

// SQLConfigSource reads tenant configs from a table owned by tenant
// management. Missing optional columns fall back to the same defaults as the
// YAML source.
type SQLConfigSource struct {
	db    *sql.DB
	query string
}

// NewSQLConfigSource reads from table, which must have the columns tenant_id,
// tenant_name, enabled, frequency, scheduled_time, max_retained_backups,
// keep_local_copy and retention_days.
func NewSQLConfigSource(db *sql.DB, table string) (*SQLConfigSource, error) {
	if db == nil {
		return nil, backup.NewConfigError("SQL config source requires a database", nil)
	}
	quoted, err := quoteIdentifier(table)
	if err != nil {
		return nil, err
	}
	query := strings.Join([]string{
		"SELECT tenant_id, COALESCE(tenant_name, ''), COALESCE(enabled, 0),",
		"COALESCE(frequency, 'daily'), COALESCE(scheduled_time, '02:00'),",
		"COALESCE(max_retained_backups, 7), COALESCE(keep_local_copy, 1),",
		fmt.Sprintf("COALESCE(retention_days, %d)", DefaultRetentionDays),
		"FROM " + quoted,
	}, " ")
	return &SQLConfigSource{db: db, query: query}, nil
}

func scanConfig(rows interface{ Scan(...interface{}) error }) (backup.BackupConfig, error) {
	var (
		cfg       backup.BackupConfig
		frequency string
	)
	err := rows.Scan(
		&cfg.TenantID,
		&cfg.TenantName,
		&cfg.Enabled,
		&frequency,
		&cfg.ScheduledTime,
		&cfg.MaxRetainedBackups,
		&cfg.KeepLocalCopy,
		&cfg.RetentionDays,
	)
	cfg.Frequency = backup.Frequency(frequency)
	return cfg, err
}

// ListConfigs returns every tenant ordered by tenant_id
func (s *SQLConfigSource) ListConfigs(ctx context.Context) ([]backup.BackupConfig, error) {
	rows, err := s.db.QueryContext(ctx, s.query+" ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant configs: %w", err)
	}
	defer rows.Close()

	var configs []backup.BackupConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tenant configs: %w", err)
	}
	return configs, nil
}

// GetConfig returns one tenant's config
func (s *SQLConfigSource) GetConfig(ctx context.Context, tenantID string) (*backup.BackupConfig, error) {
	row := s.db.QueryRowContext(ctx, s.query+" WHERE tenant_id = ?", tenantID)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.NewNotFoundError(fmt.Sprintf("tenant %s not found", tenantID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	return &cfg, nil
}

var _ backup.ConfigSource = (*SQLConfigSource)(nil)
