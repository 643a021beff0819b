// Package memory provides an in-memory run catalog used for tests and
// ephemeral sessions. The SQL backends hydrate one of these on open and write
// through to their database.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackcore/pkg/domain"
)

// Compile-time contract assertion ensuring Store satisfies the catalog interface.
var _ domain.RunCatalog = (*Store)(nil)

// Store keeps run records in a map guarded by a mutex.
type Store struct {
	mu   sync.RWMutex
	runs map[string]domain.RunRecord
	now  func() time.Time
}

// NewStore returns an empty catalog.
func NewStore() *Store {
	return &Store{runs: make(map[string]domain.RunRecord), now: func() time.Time { return time.Now().UTC() }}
}

// Prepare fills in the id and timestamps of a record about to be stored.
func (s *Store) Prepare(run domain.RunRecord) (domain.RunRecord, error) {
	if run.Name == "" {
		return domain.RunRecord{}, domain.ValidationError{Entity: domain.EntityRun, ID: run.ID, Reason: "run name is required"}
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	now := s.now()
	if run.CreatedAt.IsZero() {
		s.mu.RLock()
		if existing, ok := s.runs[run.ID]; ok {
			run.CreatedAt = existing.CreatedAt
		} else {
			run.CreatedAt = now
		}
		s.mu.RUnlock()
	}
	run.UpdatedAt = now
	return run, nil
}

// PutRun inserts or replaces a run.
func (s *Store) PutRun(_ context.Context, run domain.RunRecord) (domain.RunRecord, error) {
	prepared, err := s.Prepare(run)
	if err != nil {
		return domain.RunRecord{}, err
	}
	s.Import(prepared)
	return prepared, nil
}

// Import stores a record as-is.
func (s *Store) Import(runs ...domain.RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range runs {
		s.runs[r.ID] = r
	}
}

// GetRun returns a run by id.
func (s *Store) GetRun(_ context.Context, id string) (domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.RunRecord{}, domain.NotFoundError{Entity: domain.EntityRun, ID: id}
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(context.Context) ([]domain.RunRecord, error) {
	s.mu.RLock()
	out := make([]domain.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.RunRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DeleteRun removes a run.
func (s *Store) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return domain.NotFoundError{Entity: domain.EntityRun, ID: id}
	}
	delete(s.runs, id)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
