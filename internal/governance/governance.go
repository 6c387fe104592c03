// Package governance delivers escalations raised by the healing orchestrator
// to the humans and systems that govern the trust core: signed webhooks, a
// server-sent-events stream, and a Redis pub/sub channel.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Escalation reasons.
const (
	ReasonCriticalAnomaly   = "critical_anomaly"
	ReasonRetriesExhausted  = "healing_retries_exhausted"
	ReasonOperatorRequested = "operator_requested"
)

// Escalation is one governance-visible notification about an anomaly.
type Escalation struct {
	ID          string          `json:"id"`
	AnomalyID   string          `json:"anomaly_id"`
	AnomalyType string          `json:"anomaly_type"`
	Severity    string          `json:"severity"`
	Reason      string          `json:"reason"`
	Attempts    int             `json:"attempts"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	RaisedAt    time.Time       `json:"raised_at"`
}

// Notifier pushes an escalation to a governance sink.
type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Escalation) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, e Escalation) error { return f(ctx, e) }

// Multi fans an escalation out to every notifier. All notifiers are tried;
// their errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, e Escalation) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards escalations.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Escalation) error { return nil }
