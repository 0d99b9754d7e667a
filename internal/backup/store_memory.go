package backup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and the
// `store.driver: memory` mode; nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]*BackupRecord
	retries     map[string]*RetryEntry
	validations map[string]*ValidationResult
	logs        []*LogEntry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*BackupRecord),
		retries:     make(map[string]*RetryEntry),
		validations: make(map[string]*ValidationResult),
	}
}

func copyRecord(r *BackupRecord) *BackupRecord {
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateRecord(ctx context.Context, record *BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("record %s already exists", record.ID)
	}
	s.records[record.ID] = copyRecord(record)
	return nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, record *BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; !exists {
		return NewNotFoundError(fmt.Sprintf("record %s not found", record.ID), nil)
	}
	s.records[record.ID] = copyRecord(record)
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, id string) (*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[id]
	if !exists {
		return nil, NewNotFoundError(fmt.Sprintf("record %s not found", id), nil)
	}
	return copyRecord(record), nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BackupRecord
	for _, record := range s.records {
		if filter.TenantID != "" && record.TenantID != filter.TenantID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(record.Status, filter.Statuses) {
			continue
		}
		out = append(out, copyRecord(record))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func statusIn(status BackupStatus, statuses []BackupStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetRetryEntry(ctx context.Context, recordID string) (*RetryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.retries[recordID]
	if !exists {
		return nil, NewNotFoundError(fmt.Sprintf("retry entry for %s not found", recordID), nil)
	}
	c := *entry
	return &c, nil
}

func (s *MemoryStore) SaveRetryEntry(ctx context.Context, entry *RetryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	s.retries[entry.BackupRecordID] = &c
	return nil
}

func (s *MemoryStore) DeleteRetryEntry(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.retries, recordID)
	return nil
}

func (s *MemoryStore) ListRetryEntries(ctx context.Context) ([]*RetryEntry, error) {
	return s.retryEntries(func(*RetryEntry) bool { return true }), nil
}

func (s *MemoryStore) DueRetryEntries(ctx context.Context, now time.Time) ([]*RetryEntry, error) {
	return s.retryEntries(func(e *RetryEntry) bool { return !e.NextAttemptAt.After(now) }), nil
}

func (s *MemoryStore) retryEntries(keep func(*RetryEntry) bool) []*RetryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RetryEntry
	for _, entry := range s.retries {
		if keep(entry) {
			c := *entry
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out
}

func (s *MemoryStore) SaveValidationResult(ctx context.Context, result *ValidationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.validations[result.BackupRecordID]; exists {
		return fmt.Errorf("validation result for %s already recorded", result.BackupRecordID)
	}
	c := *result
	s.validations[result.BackupRecordID] = &c
	return nil
}

func (s *MemoryStore) GetValidationResult(ctx context.Context, recordID string) (*ValidationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, exists := s.validations[recordID]
	if !exists {
		return nil, NewNotFoundError(fmt.Sprintf("validation result for %s not found", recordID), nil)
	}
	c := *result
	return &c, nil
}

func (s *MemoryStore) PurgeValidationResults(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, result := range s.validations {
		if result.CheckedAt.Before(before) {
			delete(s.validations, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *entry
	s.logs = append(s.logs, &c)
	return nil
}

func (s *MemoryStore) RecentLogs(ctx context.Context, limit int) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*LogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *s.logs[i]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var purged int64
	for _, entry := range s.logs {
		if entry.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, entry)
	}
	s.logs = kept
	return purged, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
