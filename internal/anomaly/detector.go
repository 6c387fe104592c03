package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds detector settings.
type Config struct {
	// ConfidenceThreshold: a failed verification below this confidence is
	// classified high, otherwise medium. Defaults to 0.5.
	ConfidenceThreshold float64
}

// RecordFunc is invoked for every newly opened anomaly.
type RecordFunc func(a *Anomaly)

// Detector owns anomaly records. It classifies signals with a fixed rule
// table and dedupes them by evidence fingerprint.
type Detector struct {
	repo   Repository
	events EventRepository
	guard  FingerprintGuard
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// mu makes find-or-create atomic within the process; guard extends it
	// across processes.
	mu sync.Mutex

	hookMu   sync.RWMutex
	onCreate RecordFunc
}

// NewDetector creates a Detector. A nil guard defaults to a MemoryGuard.
func NewDetector(repo Repository, events EventRepository, guard FingerprintGuard, cfg Config, logger *zap.Logger) *Detector {
	if guard == nil {
		guard = NewMemoryGuard()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	return &Detector{
		repo:   repo,
		events: events,
		guard:  guard,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetRecorder configures the callback invoked when an anomaly is opened.
func (d *Detector) SetRecorder(fn RecordFunc) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.onCreate = fn
}

// Classify maps sig to an anomaly. It returns nil when the signal carries no
// fault, and the already-open anomaly when one exists for the same evidence.
func (d *Detector) Classify(ctx context.Context, sig Signal) (*Anomaly, error) {
	c := classify(sig, d.cfg.ConfidenceThreshold)
	if c == nil {
		return nil, nil
	}
	evidence, err := signing.Canonicalize(c.evidence)
	if err != nil {
		return nil, fmt.Errorf("canonicalize evidence: %w", err)
	}
	fp := fingerprint(c.typ, evidence)

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.repo.FindOpen(ctx, fp)
	if err == nil {
		d.logger.Debug("anomaly already open", zap.String("anomaly_id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find open anomaly: %w", err)
	}

	claimed, err := d.guard.Claim(ctx, fp)
	if err != nil {
		// Local dedupe above still holds; only cross-process dedupe is lost.
		d.logger.Warn("fingerprint guard unavailable", zap.Error(err))
		claimed = true
	}
	if !claimed {
		if existing, err := d.repo.FindOpen(ctx, fp); err == nil {
			return existing, nil
		}
		d.logger.Info("anomaly claimed by another detector",
			zap.String("fingerprint", fp),
			zap.String("type", string(c.typ)),
		)
		return nil, nil
	}

	a := &Anomaly{
		ID:              uuid.NewString(),
		Type:            c.typ,
		Severity:        c.severity,
		SourceComponent: c.source,
		DetectedAt:      d.now().UTC(),
		Evidence:        evidence,
		Fingerprint:     fp,
	}
	if err := d.repo.Create(ctx, a); err != nil {
		_ = d.guard.Release(ctx, fp)
		return nil, fmt.Errorf("create anomaly: %w", err)
	}

	d.logger.Info("anomaly detected",
		zap.String("anomaly_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("source", a.SourceComponent),
	)
	d.hookMu.RLock()
	hook := d.onCreate
	d.hookMu.RUnlock()
	if hook != nil {
		hook(a.clone())
	}
	return a, nil
}

// Get returns the anomaly with the given id.
func (d *Detector) Get(ctx context.Context, id string) (*Anomaly, error) {
	return d.repo.Get(ctx, id)
}

// Open returns every unresolved anomaly, newest first.
func (d *Detector) Open(ctx context.Context) ([]*Anomaly, error) {
	return d.repo.List(ctx, true, 0)
}

// List returns anomalies newest first.
func (d *Detector) List(ctx context.Context, openOnly bool, limit int) ([]*Anomaly, error) {
	return d.repo.List(ctx, openOnly, limit)
}

// Resolve flips the anomaly to resolved and releases its fingerprint so the
// same evidence can open a new anomaly later. Resolving twice is a no-op.
func (d *Detector) Resolve(ctx context.Context, id string) error {
	a, err := d.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Resolved {
		return nil
	}
	if err := d.repo.MarkResolved(ctx, id, d.now().UTC()); err != nil {
		return fmt.Errorf("resolve anomaly: %w", err)
	}
	if err := d.guard.Release(ctx, a.Fingerprint); err != nil {
		d.logger.Warn("release anomaly fingerprint", zap.String("anomaly_id", id), zap.Error(err))
	}
	d.logger.Info("anomaly resolved", zap.String("anomaly_id", id))
	return nil
}

// Escalate raises the anomaly's severity one step, capped at critical, and
// returns the updated record.
func (d *Detector) Escalate(ctx context.Context, id string) (*Anomaly, error) {
	a, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := a.Severity.Raise()
	if err := d.repo.SetSeverity(ctx, id, next); err != nil {
		return nil, fmt.Errorf("escalate anomaly: %w", err)
	}
	d.logger.Warn("anomaly escalated",
		zap.String("anomaly_id", id),
		zap.String("from", string(a.Severity)),
		zap.String("to", string(next)),
	)
	return d.repo.Get(ctx, id)
}

// Record appends a verification event. It does not classify it; use
// Classify with a VerificationSignal for that.
func (d *Detector) Record(ctx context.Context, ev *VerificationEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.now().UTC()
	}
	if err := d.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("record verification event: %w", err)
	}
	return nil
}

// Events returns recent verification events, newest first.
func (d *Detector) Events(ctx context.Context, limit int) ([]*VerificationEvent, error) {
	return d.events.ListEvents(ctx, limit)
}
