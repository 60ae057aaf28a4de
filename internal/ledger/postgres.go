package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// appendLockKey is a stable PostgreSQL advisory lock key serialising
// concurrent AppendEntry calls across all processes sharing the database.
const appendLockKey = int64(7_413_220_018)

// PostgresStore persists entries to PostgreSQL. It exists for deployments
// where operator tooling on other hosts needs direct read access to the chain.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresStore, error) {
	schema := `
CREATE TABLE IF NOT EXISTS ledger_entries (
  seq        BIGINT PRIMARY KEY,
  ts         TIMESTAMPTZ NOT NULL,
  event_type TEXT  NOT NULL,
  payload    BYTEA NOT NULL,
  prev_hash  TEXT  NOT NULL,
  hash       TEXT  NOT NULL,
  key_epoch  BIGINT NOT NULL,
  hmac_tag   TEXT  NOT NULL
)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// AppendEntry implements Store. An advisory transaction lock serialises the
// contiguity check and insert, matching the in-process single-writer rule.
func (s *PostgresStore) AppendEntry(ctx context.Context, e *Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var count uint64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&count); err != nil {
		return fmt.Errorf("count entries: %w", err)
	}
	if e.Seq != count {
		return fmt.Errorf("%w: have %d entries, got seq %d", ErrConflict, count, e.Seq)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Seq, e.Timestamp, e.EventType, e.Payload,
		e.PrevHash, e.Hash, e.KeyEpoch, e.HMACTag,
	); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit entry tx: %w", err)
	}

	s.logger.Debug("entry persisted",
		zap.Uint64("seq", e.Seq),
		zap.String("event_type", e.EventType),
	)
	return nil
}

// GetEntry implements Store.
func (s *PostgresStore) GetEntry(ctx context.Context, seq uint64) (*Entry, error) {
	e := &Entry{}
	err := s.pool.QueryRow(ctx,
		`SELECT seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag
		 FROM ledger_entries WHERE seq = $1`, seq,
	).Scan(&e.Seq, &e.Timestamp, &e.EventType, &e.Payload,
		&e.PrevHash, &e.Hash, &e.KeyEpoch, &e.HMACTag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", seq, err)
	}
	return e, nil
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag
		 FROM ledger_entries WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.EventType, &e.Payload,
			&e.PrevHash, &e.Hash, &e.KeyEpoch, &e.HMACTag); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context) (*Entry, error) {
	e := &Entry{}
	err := s.pool.QueryRow(ctx,
		`SELECT seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag
		 FROM ledger_entries ORDER BY seq DESC LIMIT 1`,
	).Scan(&e.Seq, &e.Timestamp, &e.EventType, &e.Payload,
		&e.PrevHash, &e.Hash, &e.KeyEpoch, &e.HMACTag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}
	return e, nil
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
