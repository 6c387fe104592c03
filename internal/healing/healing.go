// Package healing turns anomalies into remediation attempts.
//
// Per anomaly the orchestrator moves open → attempting → resolved, or
// open → attempting → failed → (re-attempt | escalate). At most one attempt
// per anomaly is in flight; attempts for different anomalies run in
// parallel. Every attempt leaves the attempting state within its timeout,
// and its outcome is written back to the ledger.
package healing

import (
	"context"
	"errors"
	"time"
)

// Action is a remediation the executor knows how to perform.
type Action string

const (
	ActionReverifyChain     Action = "reverify_chain"
	ActionRotateSigningKey  Action = "rotate_signing_key"
	ActionQuarantineActor   Action = "quarantine_actor"
	ActionThrottleActor     Action = "throttle_actor"
	ActionRerunVerification Action = "rerun_verification"
	ActionManualReview      Action = "manual_review"
)

// Status is the state of one attempt.
type Status string

const (
	StatusAttempting Status = "attempting"
	StatusResolved   Status = "resolved"
	StatusFailed     Status = "failed"
)

// Outcome is the result of a completed attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

var (
	// ErrAlreadyInFlight is returned by Handle while an attempt for the same
	// anomaly is attempting.
	ErrAlreadyInFlight = errors.New("healing attempt already in flight")

	// ErrAlreadyResolved is returned by Handle for a resolved anomaly.
	ErrAlreadyResolved = errors.New("anomaly already resolved")

	// ErrRetryScheduled is returned by HandleSignal while a re-attempt for
	// the anomaly is waiting out its backoff.
	ErrRetryScheduled = errors.New("healing re-attempt already scheduled")

	// ErrEscalated is returned by HandleSignal once the anomaly's retry
	// budget is spent. Only an operator can restart it.
	ErrEscalated = errors.New("anomaly escalated to governance")

	// ErrAttemptNotFound is returned by attempt repositories.
	ErrAttemptNotFound = errors.New("healing attempt not found")
)

// Attempt is one execution of a remediation action against one anomaly. It
// holds a back-reference to the anomaly, not ownership.
type Attempt struct {
	ID          string     `json:"attempt_id"`
	AnomalyID   string     `json:"anomaly_id"`
	Number      int        `json:"attempt_number"`
	ActionTaken Action     `json:"action_taken"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// Executor performs the concrete remediation for an action. It should
// honour ctx cancellation; the orchestrator stops waiting at the timeout
// either way.
type Executor interface {
	Execute(ctx context.Context, action Action, anomalyID string, evidence []byte) (details string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action Action, anomalyID string, evidence []byte) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, action Action, anomalyID string, evidence []byte) (string, error) {
	return f(ctx, action, anomalyID, evidence)
}
