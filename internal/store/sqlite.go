// Package store persists backup records, retry entries, validation results and
// audit log entries in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS backup_records (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	status        TEXT NOT NULL,
	trigger_kind  TEXT NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 1,
	file_path     TEXT NOT NULL DEFAULT '',
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	checksum      TEXT NOT NULL DEFAULT '',
	expected_rows INTEGER NOT NULL DEFAULT 0,
	compression   TEXT NOT NULL DEFAULT '',
	mirror_uri    TEXT NOT NULL DEFAULT '',
	last_error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_backup_records_tenant ON backup_records (tenant_id, started_at);
CREATE INDEX IF NOT EXISTS idx_backup_records_status ON backup_records (status);

CREATE TABLE IF NOT EXISTS retry_entries (
	backup_record_id TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL,
	next_attempt_at  INTEGER NOT NULL,
	last_error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS validation_results (
	backup_record_id   TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	expected_row_count INTEGER NOT NULL,
	actual_row_count   INTEGER NOT NULL,
	checksum_matches   INTEGER NOT NULL,
	table_count        INTEGER NOT NULL,
	errors             TEXT NOT NULL DEFAULT '[]',
	warnings           TEXT NOT NULL DEFAULT '[]',
	checked_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS log_entries (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	timestamp INTEGER NOT NULL,
	level     TEXT NOT NULL,
	category  TEXT NOT NULL,
	message   TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	record_id TEXT NOT NULL DEFAULT '',
	fields    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON log_entries (timestamp);
`

// SQLiteStore is a backup.Store on a single SQLite file. Times are stored as
// Unix nanoseconds in UTC.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, backup.NewStorageUnavailableError("failed to create store directory", err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, backup.NewStorageUnavailableError("failed to open record store", err)
	}
	// SQLite serializes writers and :memory: is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, backup.NewStorageUnavailableError("failed to migrate record store", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const recordColumns = `id, tenant_id, started_at, finished_at, status, trigger_kind, attempt,
	file_path, size_bytes, checksum, expected_rows, compression, mirror_uri, last_error`

func recordArgs(r *backup.BackupRecord) []interface{} {
	var finished sql.NullInt64
	if r.FinishedAt != nil {
		finished = sql.NullInt64{Int64: toUnix(*r.FinishedAt), Valid: true}
	}
	return []interface{}{
		r.ID, r.TenantID, toUnix(r.StartedAt), finished, string(r.Status), string(r.Trigger), r.Attempt,
		r.FilePath, r.SizeBytes, r.Checksum, r.ExpectedRows, r.Compression, r.MirrorURI, r.LastError,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*backup.BackupRecord, error) {
	var (
		r        backup.BackupRecord
		started  int64
		finished sql.NullInt64
		status   string
		trigger  string
	)
	err := row.Scan(&r.ID, &r.TenantID, &started, &finished, &status, &trigger, &r.Attempt,
		&r.FilePath, &r.SizeBytes, &r.Checksum, &r.ExpectedRows, &r.Compression, &r.MirrorURI, &r.LastError)
	if err != nil {
		return nil, err
	}
	r.StartedAt = fromUnix(started)
	if finished.Valid {
		t := fromUnix(finished.Int64)
		r.FinishedAt = &t
	}
	r.Status = backup.BackupStatus(status)
	r.Trigger = backup.Trigger(trigger)
	return &r, nil
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, record *backup.BackupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recordArgs(record)...)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, record *backup.BackupRecord) error {
	args := recordArgs(record)
	res, err := s.db.ExecContext(ctx, `UPDATE backup_records SET
		tenant_id = ?, started_at = ?, finished_at = ?, status = ?, trigger_kind = ?, attempt = ?,
		file_path = ?, size_bytes = ?, checksum = ?, expected_rows = ?, compression = ?, mirror_uri = ?, last_error = ?
		WHERE id = ?`, append(args[1:], args[0])...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", record.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backup.NewNotFoundError(fmt.Sprintf("record %s not found", record.ID), nil)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*backup.BackupRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM backup_records WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.NewNotFoundError(fmt.Sprintf("record %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return record, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter backup.RecordFilter) ([]*backup.BackupRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + recordColumns + ` FROM backup_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*backup.BackupRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRetryEntry(row scanner) (*backup.RetryEntry, error) {
	var (
		e    backup.RetryEntry
		next int64
	)
	if err := row.Scan(&e.BackupRecordID, &e.TenantID, &e.AttemptCount, &next, &e.LastError); err != nil {
		return nil, err
	}
	e.NextAttemptAt = fromUnix(next)
	return &e, nil
}

const retryColumns = `backup_record_id, tenant_id, attempt_count, next_attempt_at, last_error`

func (s *SQLiteStore) GetRetryEntry(ctx context.Context, recordID string) (*backup.RetryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+retryColumns+` FROM retry_entries WHERE backup_record_id = ?`, recordID)
	entry, err := scanRetryEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.NewNotFoundError(fmt.Sprintf("retry entry for %s not found", recordID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retry entry %s: %w", recordID, err)
	}
	return entry, nil
}

func (s *SQLiteStore) SaveRetryEntry(ctx context.Context, entry *backup.RetryEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO retry_entries (`+retryColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(backup_record_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			attempt_count = excluded.attempt_count,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error`,
		entry.BackupRecordID, entry.TenantID, entry.AttemptCount, toUnix(entry.NextAttemptAt), entry.LastError)
	if err != nil {
		return fmt.Errorf("failed to save retry entry %s: %w", entry.BackupRecordID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRetryEntry(ctx context.Context, recordID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_entries WHERE backup_record_id = ?`, recordID); err != nil {
		return fmt.Errorf("failed to delete retry entry %s: %w", recordID, err)
	}
	return nil
}

func (s *SQLiteStore) ListRetryEntries(ctx context.Context) ([]*backup.RetryEntry, error) {
	return s.queryRetryEntries(ctx, `SELECT `+retryColumns+` FROM retry_entries ORDER BY next_attempt_at`)
}

func (s *SQLiteStore) DueRetryEntries(ctx context.Context, now time.Time) ([]*backup.RetryEntry, error) {
	return s.queryRetryEntries(ctx,
		`SELECT `+retryColumns+` FROM retry_entries WHERE next_attempt_at <= ? ORDER BY next_attempt_at`, toUnix(now))
}

func (s *SQLiteStore) queryRetryEntries(ctx context.Context, query string, args ...interface{}) ([]*backup.RetryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry entries: %w", err)
	}
	defer rows.Close()

	var entries []*backup.RetryEntry
	for rows.Next() {
		entry, err := scanRetryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan retry entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SaveValidationResult(ctx context.Context, result *backup.ValidationResult) error {
	errs, err := json.Marshal(nonNil(result.Errors))
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(nonNil(result.Warnings))
	if err != nil {
		return err
	}

	// the primary key keeps the first result for a record
	_, err = s.db.ExecContext(ctx, `INSERT INTO validation_results
		(backup_record_id, status, expected_row_count, actual_row_count, checksum_matches, table_count, errors, warnings, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.BackupRecordID, string(result.Status), result.ExpectedRowCount, result.ActualRowCount,
		result.ChecksumMatches, result.TableCount, string(errs), string(warnings), toUnix(result.CheckedAt))
	if err != nil {
		return fmt.Errorf("failed to save validation result for %s: %w", result.BackupRecordID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *SQLiteStore) GetValidationResult(ctx context.Context, recordID string) (*backup.ValidationResult, error) {
	var (
		r              backup.ValidationResult
		status         string
		errs, warnings string
		checked        int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT backup_record_id, status, expected_row_count, actual_row_count,
		checksum_matches, table_count, errors, warnings, checked_at
		FROM validation_results WHERE backup_record_id = ?`, recordID).
		Scan(&r.BackupRecordID, &status, &r.ExpectedRowCount, &r.ActualRowCount,
			&r.ChecksumMatches, &r.TableCount, &errs, &warnings, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.NewNotFoundError(fmt.Sprintf("validation result for %s not found", recordID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load validation result for %s: %w", recordID, err)
	}
	r.Status = backup.ValidationStatus(status)
	r.CheckedAt = fromUnix(checked)
	if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode validation errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
		return nil, fmt.Errorf("failed to decode validation warnings: %w", err)
	}
	if len(r.Errors) == 0 {
		r.Errors = nil
	}
	if len(r.Warnings) == 0 {
		r.Warnings = nil
	}
	return &r, nil
}

func (s *SQLiteStore) PurgeValidationResults(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_results WHERE checked_at < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge validation results: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, entry *backup.LogEntry) error {
	fields := []byte("{}")
	if len(entry.Fields) > 0 {
		encoded, err := json.Marshal(entry.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode log fields: %w", err)
		}
		fields = encoded
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO log_entries
		(id, timestamp, level, category, message, tenant_id, record_id, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, toUnix(entry.Timestamp), string(entry.Level), entry.Category, entry.Message,
		entry.TenantID, entry.RecordID, string(fields))
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentLogs(ctx context.Context, limit int) ([]*backup.LogEntry, error) {
	query := `SELECT id, timestamp, level, category, message, tenant_id, record_id, fields
		FROM log_entries ORDER BY seq DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read log entries: %w", err)
	}
	defer rows.Close()

	var entries []*backup.LogEntry
	for rows.Next() {
		var (
			e      backup.LogEntry
			ts     int64
			level  string
			fields string
		)
		if err := rows.Scan(&e.ID, &ts, &level, &e.Category, &e.Message, &e.TenantID, &e.RecordID, &fields); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Timestamp = fromUnix(ts)
		e.Level = backup.LogLevel(level)
		if fields != "{}" {
			if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode log fields: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE timestamp < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge log entries: %w", err)
	}
	return res.RowsAffected()
}

var _ backup.Store = (*SQLiteStore)(nil)
