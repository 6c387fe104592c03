package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores anomalies and verification events in the
// anomalies and verification_events tables.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const anomalyColumns = `id, type, severity, source_component, detected_at, evidence,
	fingerprint, resolved, resolved_at, escalations`

// Create implements Repository.
func (r *PostgresRepository) Create(ctx context.Context, a *Anomaly) error {
	query := `
		INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.Exec(ctx, query,
		a.ID, a.Type, a.Severity, a.SourceComponent, a.DetectedAt, []byte(a.Evidence),
		a.Fingerprint, a.Resolved, a.ResolvedAt, a.Escalations,
	)
	return err
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Anomaly, error) {
	row := r.db.QueryRow(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id)
	return scanAnomaly(row)
}

// FindOpen implements Repository.
func (r *PostgresRepository) FindOpen(ctx context.Context, fp string) (*Anomaly, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies
		 WHERE fingerprint = $1 AND NOT resolved
		 ORDER BY detected_at DESC LIMIT 1`, fp)
	return scanAnomaly(row)
}

// List implements Repository.
func (r *PostgresRepository) List(ctx context.Context, openOnly bool, limit int) ([]*Anomaly, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies
		 WHERE (NOT $1 OR NOT resolved)
		 ORDER BY detected_at DESC, id
		 LIMIT $2`, openOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkResolved implements Repository.
func (r *PostgresRepository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE anomalies SET resolved = TRUE, resolved_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSeverity implements Repository.
func (r *PostgresRepository) SetSeverity(ctx context.Context, id string, sev Severity) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE anomalies SET severity = $2, escalations = escalations + 1 WHERE id = $1`, id, sev)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAnomaly(row pgx.Row) (*Anomaly, error) {
	var (
		a        Anomaly
		evidence []byte
	)
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.SourceComponent, &a.DetectedAt, &evidence,
		&a.Fingerprint, &a.Resolved, &a.ResolvedAt, &a.Escalations)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan anomaly: %w", err)
	}
	a.Evidence = evidence
	return &a, nil
}

// Append implements EventRepository.
func (r *PostgresRepository) Append(ctx context.Context, ev *VerificationEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO verification_events (id, verification_type, target_component, method, result,
			passed, anomaly_score, confidence, details, verified_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.VerificationType, ev.TargetComponent, ev.Method, ev.Result,
		ev.Passed, ev.AnomalyScore, ev.Confidence, details, ev.VerifiedBy, ev.CreatedAt,
	)
	return err
}

// ListEvents implements EventRepository.
func (r *PostgresRepository) ListEvents(ctx context.Context, limit int) ([]*VerificationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, verification_type, target_component, method, result, passed,
		       anomaly_score, confidence, details, verified_by, created_at
		FROM verification_events
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*VerificationEvent
	for rows.Next() {
		var (
			ev      VerificationEvent
			details []byte
		)
		if err := rows.Scan(&ev.ID, &ev.VerificationType, &ev.TargetComponent, &ev.Method,
			&ev.Result, &ev.Passed, &ev.AnomalyScore, &ev.Confidence, &details,
			&ev.VerifiedBy, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
