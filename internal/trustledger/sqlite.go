package trustledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	sequence_number INTEGER PRIMARY KEY,
	entry_id        TEXT NOT NULL UNIQUE,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL,
	ts              TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	actor           TEXT NOT NULL,
	resource        TEXT NOT NULL,
	payload         BLOB NOT NULL,
	trust_score     REAL,
	governance_tier TEXT NOT NULL DEFAULT ''
)`

// SQLiteStore persists entries in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already opened database. Call EnsureSchema before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLiteStore opens the database at dsn and creates the schema.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)

	s := NewSQLiteStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the ledger table if it does not exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tail, err := scanSQLiteEntry(tx.QueryRowContext(ctx, sqliteSelect+`
		ORDER BY sequence_number DESC LIMIT 1`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	if !extends(tail, e) {
		return ErrSequenceConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			sequence_number, entry_id, prev_hash, hash, ts, event_type,
			actor, resource, payload, trust_score, governance_tier
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Sequence, e.EntryID, e.PrevHash, e.Hash, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType, e.Actor, e.Resource, []byte(e.Payload), e.TrustScore, e.GovernanceTier,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context) (*LogEntry, error) {
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx, sqliteSelect+`
		ORDER BY sequence_number DESC LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, from int64, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, sqliteSelect+`
		WHERE sequence_number >= ?
		ORDER BY sequence_number ASC
		LIMIT ?`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, seq int64) (*LogEntry, error) {
	return scanSQLiteEntry(s.db.QueryRowContext(ctx, sqliteSelect+`
		WHERE sequence_number = ?`, seq))
}

const sqliteSelect = `
	SELECT sequence_number, entry_id, prev_hash, hash, ts, event_type,
	       actor, resource, payload, trust_score, governance_tier
	FROM ledger_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*LogEntry, error) {
	var (
		e       LogEntry
		ts      string
		payload []byte
		score   sql.NullFloat64
	)
	err := row.Scan(&e.Sequence, &e.EntryID, &e.PrevHash, &e.Hash, &ts, &e.EventType,
		&e.Actor, &e.Resource, &payload, &score, &e.GovernanceTier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger row: %w", err)
	}
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse ledger timestamp %q: %w", ts, err)
	}
	e.Payload = payload
	if score.Valid {
		v := score.Float64
		e.TrustScore = &v
	}
	return &e, nil
}
