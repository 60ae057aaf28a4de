package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// Primarily useful for tests and for development deployments that do not
// need durability across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendEntry implements Store.
func (s *MemoryStore) AppendEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Seq != uint64(len(s.entries)) {
		return ErrConflict
	}
	s.entries = append(s.entries, e)
	return nil
}

// GetEntry implements Store. The returned pointer aliases stored state.
func (s *MemoryStore) GetEntry(_ context.Context, seq uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return nil, ErrNotFound
	}
	return s.entries[seq], nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from > to || from >= uint64(len(s.entries)) {
		return nil, nil
	}
	if to >= uint64(len(s.entries)) {
		to = uint64(len(s.entries)) - 1
	}
	out := make([]*Entry, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, ErrNotFound
	}
	return s.entries[len(s.entries)-1], nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
