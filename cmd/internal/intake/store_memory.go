package intake

import (
	"context"
	"errors"
	"sync"
)

// InMemoryStore is the dev fallback when no database is configured.
type InMemoryStore struct {
	mu         sync.Mutex
	staged     []Record
	audit      []Record
	rolledBack []Record
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// Stage appends rec to the staging log.
func (s *InMemoryStore) Stage(ctx context.Context, rec Record) error {
	if rec.UploadID == "" {
		return errors.New("intake: missing upload id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, rec)
	return nil
}

// AppendAudit appends rec directly to the audit log (direct import path).
func (s *InMemoryStore) AppendAudit(ctx context.Context, rec Record) error {
	if rec.UploadID == "" {
		return errors.New("intake: missing upload id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

// GetStaged returns the staging entry for uploadID.
func (s *InMemoryStore) GetStaged(ctx context.Context, uploadID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.staged {
		if rec.UploadID == uploadID {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

// ListStaged returns a snapshot of the staging log.
func (s *InMemoryStore) ListStaged(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.staged...), nil
}

// Approve marks the staged row APPROVED and copies it to the audit log.
func (s *InMemoryStore) Approve(ctx context.Context, uploadID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.staged {
		if s.staged[i].UploadID == uploadID {
			s.staged[i].Status = StatusApproved
			cp := s.staged[i]
			s.audit = append(s.audit, cp)
			return cp, nil
		}
	}
	return Record{}, ErrNotFound
}

// Rollback moves the audit row for uploadID to the rollback log.
func (s *InMemoryStore) Rollback(ctx context.Context, uploadID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audit {
		if s.audit[i].UploadID == uploadID {
			rec := s.audit[i]
			s.audit = append(s.audit[:i], s.audit[i+1:]...)
			s.rolledBack = append(s.rolledBack, rec)
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

// Logs returns snapshots of all three logs.
func (s *InMemoryStore) Logs(ctx context.Context) ([]Record, []Record, []Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.staged...),
		append([]Record(nil), s.audit...),
		append([]Record(nil), s.rolledBack...),
		nil
}
