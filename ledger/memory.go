package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("ledger: release %s already exists", rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (s *MemoryStore) History(_ context.Context, project, env string, limit int) ([]Record, error) {
	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if r.Project == project && r.Env == env {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Activate(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != StatusPending {
		return &ConsistencyError{ReleaseID: id, Status: rec.Status, Op: "activate"}
	}
	for k, r := range s.records {
		if r.Project == rec.Project && r.Env == rec.Env && r.Status == StatusActive {
			r.Status = StatusSuperseded
			r.UpdatedAt = at
			s.records[k] = r
		}
	}
	rec.Status = StatusActive
	rec.UpdatedAt = at
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []Status, to Status, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !slices.Contains(from, rec.Status) {
		return &ConsistencyError{ReleaseID: id, Status: rec.Status, Op: "mark " + string(to)}
	}
	rec.Status = to
	rec.Reason = reason
	rec.UpdatedAt = at
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) SetBackupHandle(_ context.Context, id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.BackupHandle = handle
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status == StatusActive {
		return &ConsistencyError{ReleaseID: id, Status: rec.Status, Op: "purge"}
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func sortNewestFirst(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}
