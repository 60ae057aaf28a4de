package anchor

import (
	"context"
	"sync"

	"github.com/sovereign-ledger/sovereign/internal/backend"
)

// Store abstracts anchor persistence. Receipts may be updated after the
// anchor itself is saved, as lagging backends are retried on later cycles.
type Store interface {
	// SaveAnchor persists a new anchor.
	SaveAnchor(ctx context.Context, a *Anchor) error

	// UpdateReceipts replaces the receipt set of an existing anchor.
	UpdateReceipts(ctx context.Context, id string, receipts []backend.Receipt) error

	// GetAnchor returns the anchor with the given id, or ErrNotFound.
	GetAnchor(ctx context.Context, id string) (*Anchor, error)

	// Latest returns the highest-seq anchor, or ErrNoAnchors.
	Latest(ctx context.Context) (*Anchor, error)

	// List returns all anchors ordered by seq.
	List(ctx context.Context) ([]*Anchor, error)

	// Close releases any underlying resources.
	Close() error
}

// MemoryStore is an in-memory, thread-safe anchor Store for tests and
// development.
type MemoryStore struct {
	mu      sync.RWMutex
	anchors []*Anchor
	byID    map[string]*Anchor
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Anchor)}
}

// SaveAnchor implements Store.
func (s *MemoryStore) SaveAnchor(_ context.Context, a *Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Receipts = append([]backend.Receipt(nil), a.Receipts...)
	s.anchors = append(s.anchors, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

// UpdateReceipts implements Store.
func (s *MemoryStore) UpdateReceipts(_ context.Context, id string, receipts []backend.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.Receipts = append([]backend.Receipt(nil), receipts...)
	return nil
}

// GetAnchor implements Store.
func (s *MemoryStore) GetAnchor(_ context.Context, id string) (*Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context) (*Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.anchors) == 0 {
		return nil, ErrNoAnchors
	}
	cp := *s.anchors[len(s.anchors)-1]
	return &cp, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Anchor, 0, len(s.anchors))
	for _, a := range s.anchors {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
