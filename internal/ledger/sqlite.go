package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// SQLiteStore persists entries to an embedded SQLite database.
// It is the default store for single-host deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens/creates the database at dsn and ensures schema and
// durability PRAGMAs.
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
CREATE TABLE IF NOT EXISTS entries (
  seq        INTEGER PRIMARY KEY,
  ts         INTEGER NOT NULL,
  event_type TEXT    NOT NULL,
  payload    BLOB    NOT NULL,
  prev_hash  TEXT    NOT NULL,
  hash       TEXT    NOT NULL,
  key_epoch  INTEGER NOT NULL,
  hmac_tag   TEXT    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// AppendEntry implements Store. The contiguity check and insert run in a
// single serializable transaction.
func (s *SQLiteStore) AppendEntry(ctx context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count uint64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		return err
	}
	if e.Seq != count {
		return fmt.Errorf("%w: have %d entries, got seq %d", ErrConflict, count, e.Seq)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp.UnixNano(), e.EventType, e.Payload,
		e.PrevHash, e.Hash, e.KeyEpoch, e.HMACTag,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetEntry implements Store.
func (s *SQLiteStore) GetEntry(ctx context.Context, seq uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag
		 FROM entries WHERE seq = ?`, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, from, to uint64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag
		 FROM entries WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// Head implements Store.
func (s *SQLiteStore) Head(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, ts, event_type, payload, prev_hash, hash, key_epoch, hmac_tag
		 FROM entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	e := &Entry{}
	var ts int64
	if err := r.Scan(&e.Seq, &ts, &e.EventType, &e.Payload,
		&e.PrevHash, &e.Hash, &e.KeyEpoch, &e.HMACTag); err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	return e, nil
}
