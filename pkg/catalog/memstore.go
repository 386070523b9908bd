package catalog

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Its contents are lost on exit.
type MemStore struct {
	mu   sync.RWMutex
	rows map[string]Recording
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]Recording)}
}

// Put implements [Store].
func (s *MemStore) Put(_ context.Context, rec Recording) error {
	if rec.ID == "" {
		return fmt.Errorf("catalog: put: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.ID] = rec
	return nil
}

// SetInterrupted implements [Store].
func (s *MemStore) SetInterrupted(_ context.Context, id string, interrupted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("catalog: set interrupted %q: %w", id, ErrNotFound)
	}
	rec.Interrupted = interrupted
	s.rows[id] = rec
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[id]
	if !ok {
		return Recording{}, fmt.Errorf("catalog: get %q: %w", id, ErrNotFound)
	}
	return rec, nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, opts ListOptions) ([]Recording, error) {
	s.mu.RLock()
	out := make([]Recording, 0, len(s.rows))
	for _, rec := range s.rows {
		if opts.IncompleteOnly && !rec.Incomplete {
			continue
		}
		if opts.Mode != "" && rec.Mode != opts.Mode {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Recording) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}
