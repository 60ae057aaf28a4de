package ledger

import "context"

// Store abstracts entry persistence. Implementations must reject
// non-contiguous appends with ErrConflict; the Ledger relies on that check
// as its last line of defense against interleaved writers.
//
// Three implementations are provided:
//   - MemoryStore: in-process, for tests and development.
//   - SQLiteStore: embedded durable store, the default deployment.
//   - PostgresStore: shared durable store for multi-host operator tooling.
type Store interface {
	// AppendEntry persists e at exactly e.Seq.
	AppendEntry(ctx context.Context, e *Entry) error

	// GetEntry returns the entry at seq, or ErrNotFound.
	GetEntry(ctx context.Context, seq uint64) (*Entry, error)

	// Range returns entries with from <= Seq <= to, ordered by Seq.
	Range(ctx context.Context, from, to uint64) ([]*Entry, error)

	// Len returns the total number of entries.
	Len(ctx context.Context) (uint64, error)

	// Head returns the highest-sequence entry, or ErrNotFound when empty.
	Head(ctx context.Context) (*Entry, error)

	// Close releases any underlying resources.
	Close() error
}
