package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sovereign-ledger/sovereign/internal/backend"
)

// PostgresStore persists anchors to PostgreSQL, for deployments sharing the
// entry store there.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	schema := `
CREATE TABLE IF NOT EXISTS anchors (
  seq         BIGINT PRIMARY KEY,
  id          TEXT NOT NULL UNIQUE,
  batch_start BIGINT NOT NULL,
  batch_end   BIGINT NOT NULL,
  merkle_root TEXT NOT NULL,
  signature   TEXT NOT NULL,
  tsa_token   TEXT NOT NULL,
  tsa_time    TIMESTAMPTZ NOT NULL,
  prev_hash   TEXT NOT NULL,
  hash        TEXT NOT NULL,
  receipts    JSONB NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL
)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create anchors schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveAnchor implements Store.
func (s *PostgresStore) SaveAnchor(ctx context.Context, a *Anchor) error {
	receipts, err := json.Marshal(a.Receipts)
	if err != nil {
		return fmt.Errorf("marshal receipts: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO anchors (seq, id, batch_start, batch_end, merkle_root, signature,
		                      tsa_token, tsa_time, prev_hash, hash, receipts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.Seq, a.ID, a.BatchStart, a.BatchEnd, a.MerkleRoot, a.GenesisSignature,
		a.TSAToken, a.TSATime, a.PrevAnchorHash, a.Hash, receipts, a.CreatedAt,
	)
	return err
}

// UpdateReceipts implements Store.
func (s *PostgresStore) UpdateReceipts(ctx context.Context, id string, receipts []backend.Receipt) error {
	b, err := json.Marshal(receipts)
	if err != nil {
		return fmt.Errorf("marshal receipts: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE anchors SET receipts = $1 WHERE id = $2`, b, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAnchor implements Store.
func (s *PostgresStore) GetAnchor(ctx context.Context, id string) (*Anchor, error) {
	a, err := s.scanRow(s.pool.QueryRow(ctx, pgSelectAnchor+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context) (*Anchor, error) {
	a, err := s.scanRow(s.pool.QueryRow(ctx, pgSelectAnchor+` ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoAnchors
	}
	return a, err
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*Anchor, error) {
	rows, err := s.pool.Query(ctx, pgSelectAnchor+` ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anchor
	for rows.Next() {
		a, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const pgSelectAnchor = `SELECT seq, id, batch_start, batch_end, merkle_root, signature,
       tsa_token, tsa_time, prev_hash, hash, receipts, created_at FROM anchors`

func (s *PostgresStore) scanRow(r pgx.Row) (*Anchor, error) {
	a := &Anchor{}
	var receipts []byte
	if err := r.Scan(&a.Seq, &a.ID, &a.BatchStart, &a.BatchEnd, &a.MerkleRoot,
		&a.GenesisSignature, &a.TSAToken, &a.TSATime, &a.PrevAnchorHash, &a.Hash,
		&receipts, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(receipts, &a.Receipts); err != nil {
		return nil, fmt.Errorf("unmarshal receipts: %w", err)
	}
	return a, nil
}
