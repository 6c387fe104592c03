package trustledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appends across every process sharing the
// database. The value is arbitrary but must be the same for all instances.
const advisoryLockKey = int64(1_159_876_543)

// PostgresStore persists the ledger in the ledger_entries table (see
// migrations/). It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store. The tail check and insert run in one transaction
// holding a transaction-scoped advisory lock; the primary key on
// sequence_number is the last line of defence against duplicates.
func (s *PostgresStore) Append(ctx context.Context, e *LogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	tail, err := scanPgEntry(tx.QueryRow(ctx, pgSelect+` ORDER BY sequence_number DESC LIMIT 1`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	if !extends(tail, e) {
		s.logger.Debug("ledger tail advanced by another writer",
			zap.Int64("seq", e.Sequence),
		)
		return ErrSequenceConflict
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (sequence_number, entry_id, prev_hash, hash, ts,
		     event_type, actor, resource, payload, trust_score, governance_tier)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Sequence, e.EntryID, e.PrevHash, e.Hash, e.Timestamp.UTC(),
		e.EventType, e.Actor, e.Resource, []byte(e.Payload), e.TrustScore, e.GovernanceTier,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSequenceConflict
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (*LogEntry, error) {
	e, err := scanPgEntry(s.pool.QueryRow(ctx, pgSelect+` ORDER BY sequence_number DESC LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, from int64, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		pgSelect+` WHERE sequence_number >= $1 ORDER BY sequence_number ASC LIMIT $2`,
		from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		e, err := scanPgEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq int64) (*LogEntry, error) {
	return scanPgEntry(s.pool.QueryRow(ctx, pgSelect+` WHERE sequence_number = $1`, seq))
}

const pgSelect = `SELECT sequence_number, entry_id, prev_hash, hash, ts, event_type,
	actor, resource, payload, trust_score, governance_tier FROM ledger_entries`

func scanPgEntry(row pgx.Row) (*LogEntry, error) {
	var (
		e       LogEntry
		payload []byte
	)
	err := row.Scan(&e.Sequence, &e.EntryID, &e.PrevHash, &e.Hash, &e.Timestamp,
		&e.EventType, &e.Actor, &e.Resource, &payload, &e.TrustScore, &e.GovernanceTier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger row: %w", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Payload = payload
	return &e, nil
}
