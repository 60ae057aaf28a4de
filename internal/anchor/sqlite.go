package anchor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/sovereign-ledger/sovereign/internal/backend"
)

// SQLiteStore persists anchors to an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens/creates the database at dsn and ensures the schema.
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS anchors (
  seq         INTEGER PRIMARY KEY,
  id          TEXT    NOT NULL UNIQUE,
  batch_start INTEGER NOT NULL,
  batch_end   INTEGER NOT NULL,
  merkle_root TEXT    NOT NULL,
  signature   TEXT    NOT NULL,
  tsa_token   TEXT    NOT NULL,
  tsa_time    INTEGER NOT NULL,
  prev_hash   TEXT    NOT NULL,
  hash        TEXT    NOT NULL,
  receipts    TEXT    NOT NULL,
  created_at  INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// SaveAnchor implements Store.
func (s *SQLiteStore) SaveAnchor(ctx context.Context, a *Anchor) error {
	receipts, err := json.Marshal(a.Receipts)
	if err != nil {
		return fmt.Errorf("marshal receipts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anchors(seq, id, batch_start, batch_end, merkle_root, signature,
		                     tsa_token, tsa_time, prev_hash, hash, receipts, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Seq, a.ID, a.BatchStart, a.BatchEnd, a.MerkleRoot, a.GenesisSignature,
		a.TSAToken, a.TSATime.UnixNano(), a.PrevAnchorHash, a.Hash,
		string(receipts), a.CreatedAt.UnixNano(),
	)
	return err
}

// UpdateReceipts implements Store.
func (s *SQLiteStore) UpdateReceipts(ctx context.Context, id string, receipts []backend.Receipt) error {
	b, err := json.Marshal(receipts)
	if err != nil {
		return fmt.Errorf("marshal receipts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE anchors SET receipts = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAnchor implements Store.
func (s *SQLiteStore) GetAnchor(ctx context.Context, id string) (*Anchor, error) {
	row := s.db.QueryRowContext(ctx, selectAnchor+` WHERE id = ?`, id)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context) (*Anchor, error) {
	row := s.db.QueryRowContext(ctx, selectAnchor+` ORDER BY seq DESC LIMIT 1`)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoAnchors
	}
	return a, err
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]*Anchor, error) {
	rows, err := s.db.QueryContext(ctx, selectAnchor+` ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const selectAnchor = `SELECT seq, id, batch_start, batch_end, merkle_root, signature,
       tsa_token, tsa_time, prev_hash, hash, receipts, created_at FROM anchors`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnchor(r rowScanner) (*Anchor, error) {
	a := &Anchor{}
	var receipts string
	var tsaTime, createdAt int64
	if err := r.Scan(&a.Seq, &a.ID, &a.BatchStart, &a.BatchEnd, &a.MerkleRoot,
		&a.GenesisSignature, &a.TSAToken, &tsaTime, &a.PrevAnchorHash, &a.Hash,
		&receipts, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(receipts), &a.Receipts); err != nil {
		return nil, fmt.Errorf("unmarshal receipts: %w", err)
	}
	a.TSATime = time.Unix(0, tsaTime).UTC()
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	return a, nil
}
