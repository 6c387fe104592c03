package healing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepository persists healing attempts.
type AttemptRepository interface {
	Create(ctx context.Context, a *Attempt) error
	Update(ctx context.Context, a *Attempt) error
	ListByAnomaly(ctx context.Context, anomalyID string) ([]*Attempt, error)
}

// MemoryAttemptRepository is an in-memory AttemptRepository.
type MemoryAttemptRepository struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt
}

// NewMemoryAttemptRepository creates an empty repository.
func NewMemoryAttemptRepository() *MemoryAttemptRepository {
	return &MemoryAttemptRepository{attempts: make(map[string]*Attempt)}
}

// Create implements AttemptRepository.
func (r *MemoryAttemptRepository) Create(_ context.Context, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.attempts[a.ID] = &cp
	return nil
}

// Update implements AttemptRepository.
func (r *MemoryAttemptRepository) Update(_ context.Context, a *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[a.ID]; !ok {
		return ErrAttemptNotFound
	}
	cp := *a
	r.attempts[a.ID] = &cp
	return nil
}

// ListByAnomaly implements AttemptRepository.
func (r *MemoryAttemptRepository) ListByAnomaly(_ context.Context, anomalyID string) ([]*Attempt, error) {
	r.mu.RLock()
	var out []*Attempt
	for _, a := range r.attempts {
		if a.AnomalyID == anomalyID {
			cp := *a
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// PostgresAttemptRepository stores attempts in the healing_attempts table.
type PostgresAttemptRepository struct {
	db *pgxpool.Pool
}

// NewPostgresAttemptRepository creates a new PostgresAttemptRepository.
func NewPostgresAttemptRepository(db *pgxpool.Pool) *PostgresAttemptRepository {
	return &PostgresAttemptRepository{db: db}
}

// Create implements AttemptRepository.
func (r *PostgresAttemptRepository) Create(ctx context.Context, a *Attempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO healing_attempts (id, anomaly_id, attempt_number, action_taken, status,
			started_at, completed_at, outcome, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.AnomalyID, a.Number, a.ActionTaken, a.Status,
		a.StartedAt, a.CompletedAt, a.Outcome, a.Details,
	)
	return err
}

// Update implements AttemptRepository.
func (r *PostgresAttemptRepository) Update(ctx context.Context, a *Attempt) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE healing_attempts
		SET status = $2, completed_at = $3, outcome = $4, details = $5
		WHERE id = $1`,
		a.ID, a.Status, a.CompletedAt, a.Outcome, a.Details,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// ListByAnomaly implements AttemptRepository.
func (r *PostgresAttemptRepository) ListByAnomaly(ctx context.Context, anomalyID string) ([]*Attempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, anomaly_id, attempt_number, action_taken, status,
		       started_at, completed_at, outcome, details
		FROM healing_attempts
		WHERE anomaly_id = $1
		ORDER BY started_at`, anomalyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.AnomalyID, &a.Number, &a.ActionTaken, &a.Status,
			&a.StartedAt, &a.CompletedAt, &a.Outcome, &a.Details); err != nil {
			return nil, fmt.Errorf("scan healing attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
