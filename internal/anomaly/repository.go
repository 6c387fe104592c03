package anomaly

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository persists anomalies.
type Repository interface {
	Create(ctx context.Context, a *Anomaly) error
	Get(ctx context.Context, id string) (*Anomaly, error)
	// FindOpen returns the unresolved anomaly with the given fingerprint or
	// ErrNotFound.
	FindOpen(ctx context.Context, fingerprint string) (*Anomaly, error)
	// List returns anomalies newest first; openOnly restricts to unresolved.
	List(ctx context.Context, openOnly bool, limit int) ([]*Anomaly, error)
	MarkResolved(ctx context.Context, id string, at time.Time) error
	// SetSeverity raises the severity and increments the escalation count.
	SetSeverity(ctx context.Context, id string, sev Severity) error
}

// EventRepository persists verification events. It is append-only.
type EventRepository interface {
	Append(ctx context.Context, ev *VerificationEvent) error
	// ListEvents returns the most recent events first.
	ListEvents(ctx context.Context, limit int) ([]*VerificationEvent, error)
}

// MemoryRepository is an in-memory Repository and EventRepository.
type MemoryRepository struct {
	mu        sync.RWMutex
	anomalies map[string]*Anomaly
	events    []*VerificationEvent
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{anomalies: make(map[string]*Anomaly)}
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, a *Anomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies[a.ID] = a.clone()
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Anomaly, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anomalies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

// FindOpen implements Repository.
func (r *MemoryRepository) FindOpen(_ context.Context, fp string) (*Anomaly, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.anomalies {
		if !a.Resolved && a.Fingerprint == fp {
			return a.clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List implements Repository.
func (r *MemoryRepository) List(_ context.Context, openOnly bool, limit int) ([]*Anomaly, error) {
	r.mu.RLock()
	out := make([]*Anomaly, 0, len(r.anomalies))
	for _, a := range r.anomalies {
		if openOnly && a.Resolved {
			continue
		}
		out = append(out, a.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkResolved implements Repository.
func (r *MemoryRepository) MarkResolved(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.anomalies[id]
	if !ok {
		return ErrNotFound
	}
	a.Resolved = true
	a.ResolvedAt = &at
	return nil
}

// SetSeverity implements Repository.
func (r *MemoryRepository) SetSeverity(_ context.Context, id string, sev Severity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.anomalies[id]
	if !ok {
		return ErrNotFound
	}
	a.Severity = sev
	a.Escalations++
	return nil
}

// Append implements EventRepository.
func (r *MemoryRepository) Append(_ context.Context, ev *VerificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.events = append(r.events, &cp)
	return nil
}

// ListEvents implements EventRepository.
func (r *MemoryRepository) ListEvents(_ context.Context, limit int) ([]*VerificationEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*VerificationEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *r.events[i]
		out = append(out, &cp)
	}
	return out, nil
}
