// Package trust wires the signature engine, ledger, threat scanner, anomaly
// detector and healing orchestrator into the calls collaborators use.
package trust

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/healing"
	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/aaron031291/grace-2-sub022/internal/threat"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventActionSubmitted is the ledger event written for every signed action.
const EventActionSubmitted = "action_submitted"

// ErrHealingDisabled is returned by Handle when no orchestrator is wired.
var ErrHealingDisabled = errors.New("healing orchestrator not configured")

// Submission is the result of SubmitAction.
type Submission struct {
	Envelope signing.ActionEnvelope  `json:"envelope"`
	Signed   *signing.SignedEnvelope `json:"signed"`
	Entry    *trustledger.LogEntry   `json:"entry"`
	Threat   *threat.Report          `json:"threat"`
	Anomaly  *anomaly.Anomaly        `json:"anomaly,omitempty"`
}

// Healer runs remediation for an anomaly. *healing.Orchestrator satisfies
// this interface. HandleSignal serves detector reports and must not extend a
// retry budget; HandleID serves operators and may.
type Healer interface {
	HandleSignal(ctx context.Context, a *anomaly.Anomaly) (*healing.Attempt, error)
	HandleID(ctx context.Context, anomalyID string) (*healing.Attempt, error)
	Attempts(ctx context.Context, anomalyID string) ([]*healing.Attempt, error)
}

// Service is the entry point for collaborators. Every component is injected;
// nothing is a process-wide singleton.
type Service struct {
	engine   *signing.Engine
	ledger   *trustledger.Ledger
	scanner  *threat.Scanner
	detector *anomaly.Detector
	healer   Healer // nil = anomalies are only recorded
	gate     *ActorGate
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Service. healer and gate may be nil.
func New(
	engine *signing.Engine,
	ledger *trustledger.Ledger,
	scanner *threat.Scanner,
	detector *anomaly.Detector,
	healer Healer,
	gate *ActorGate,
	logger *zap.Logger,
) *Service {
	if gate == nil {
		gate = NewActorGate(0, 0)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		engine:   engine,
		ledger:   ledger,
		scanner:  scanner,
		detector: detector,
		healer:   healer,
		gate:     gate,
		logger:   logger,
		baseCtx:  base,
		cancel:   cancel,
	}
}

// SetHealer wires the orchestrator after construction; the orchestrator's
// executor usually needs the Service itself.
func (s *Service) SetHealer(h Healer) { s.healer = h }

// Gate returns the actor gate.
func (s *Service) Gate() *ActorGate { return s.gate }

// Engine returns the signature engine.
func (s *Service) Engine() *signing.Engine { return s.engine }

// Detector returns the anomaly detector.
func (s *Service) Detector() *anomaly.Detector { return s.detector }

// AppendEvent appends an auditable fact to the ledger.
func (s *Service) AppendEvent(ctx context.Context, req trustledger.AppendRequest) (*trustledger.LogEntry, error) {
	return s.ledger.Append(ctx, req)
}

// VerifyChain verifies the ledger from fromSequence and reports a broken
// chain to the detector. The anomaly, if any, is returned with the result.
func (s *Service) VerifyChain(ctx context.Context, fromSequence int64) (*trustledger.ChainVerificationResult, *anomaly.Anomaly, error) {
	res, err := s.ledger.VerifyChain(ctx, fromSequence)
	if err != nil {
		return nil, nil, err
	}
	if res.ChainIntegrity {
		return res, nil, nil
	}
	a, err := s.ReportSignal(ctx, anomaly.ChainSignal{Result: res})
	if err != nil {
		return res, nil, err
	}
	return res, a, nil
}

// ReadRange returns a lazy iterator over entries start..end inclusive.
func (s *Service) ReadRange(ctx context.Context, start, end int64) (iter.Seq2[*trustledger.LogEntry, error], error) {
	return s.ledger.ReadRange(ctx, start, end)
}

// Entry returns the ledger entry at seq.
func (s *Service) Entry(ctx context.Context, seq int64) (*trustledger.LogEntry, error) {
	return s.ledger.Get(ctx, seq)
}

// LedgerInfo returns the ledger length and root hash.
func (s *Service) LedgerInfo(ctx context.Context) (int64, string, error) {
	n, err := s.ledger.Len(ctx)
	if err != nil {
		return 0, "", err
	}
	root, err := s.ledger.Root(ctx)
	if err != nil {
		return 0, "", err
	}
	return n, root, nil
}

// CreateEnvelope signs env without side effects.
func (s *Service) CreateEnvelope(ctx context.Context, env signing.ActionEnvelope) (*signing.SignedEnvelope, error) {
	return s.engine.CreateEnvelope(ctx, env)
}

// VerifyEnvelope checks signed against env using the historical key that
// produced it. The outcome is recorded as a verification event; a failed
// verification is classified and may open an anomaly.
func (s *Service) VerifyEnvelope(ctx context.Context, env signing.ActionEnvelope, signed *signing.SignedEnvelope) (bool, error) {
	ok, err := s.engine.VerifyEnvelopeAt(ctx, env, signed)
	if err != nil {
		return false, err
	}

	ev := &anomaly.VerificationEvent{
		VerificationType: "envelope",
		TargetComponent:  "signing",
		Method:           "ed25519",
		Result:           "valid",
		Passed:           ok,
		Confidence:       1,
		Details: map[string]any{
			"action_id":   env.ActionID,
			"actor":       env.Actor,
			"action_type": env.ActionType,
		},
		VerifiedBy: "trust_service",
	}
	if signed != nil {
		ev.Details["kid"] = signed.KeyID
	}
	if !ok {
		ev.Result = "invalid"
		ev.AnomalyScore = 1
	}
	if err := s.detector.Record(ctx, ev); err != nil {
		s.logger.Warn("record envelope verification", zap.Error(err))
	}
	if !ok {
		if _, err := s.ReportSignal(ctx, anomaly.VerificationSignal{Event: ev}); err != nil {
			s.logger.Error("report envelope verification failure", zap.Error(err))
		}
	}
	return ok, nil
}

// ReportSignal classifies sig and hands any resulting anomaly to the
// orchestrator asynchronously.
func (s *Service) ReportSignal(ctx context.Context, sig anomaly.Signal) (*anomaly.Anomaly, error) {
	a, err := s.detector.Classify(ctx, sig)
	if err != nil {
		return nil, err
	}
	if a != nil {
		s.Dispatch(a)
	}
	return a, nil
}

// ReportVerification records a verification event produced elsewhere and
// classifies it when it failed.
func (s *Service) ReportVerification(ctx context.Context, ev *anomaly.VerificationEvent) (*anomaly.Anomaly, error) {
	if ev.VerificationType == "" {
		return nil, errors.New("verification_type is required")
	}
	if err := s.detector.Record(ctx, ev); err != nil {
		return nil, err
	}
	if ev.Passed {
		return nil, nil
	}
	return s.ReportSignal(ctx, anomaly.VerificationSignal{Event: ev})
}

// Dispatch starts healing for a in the background. Reports of an anomaly
// that healing already owns are dropped, so the same evidence never restarts
// remediation.
func (s *Service) Dispatch(a *anomaly.Anomaly) {
	if s.healer == nil || a == nil || a.Resolved {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.healer.HandleSignal(s.baseCtx, a); err != nil {
			switch {
			case errors.Is(err, healing.ErrAlreadyInFlight),
				errors.Is(err, healing.ErrAlreadyResolved),
				errors.Is(err, healing.ErrRetryScheduled),
				errors.Is(err, healing.ErrEscalated):
				return
			}
			s.logger.Error("dispatch anomaly to healing", zap.String("anomaly_id", a.ID), zap.Error(err))
		}
	}()
}

// Handle runs one remediation attempt for the anomaly synchronously.
func (s *Service) Handle(ctx context.Context, anomalyID string) (*healing.Attempt, error) {
	if s.healer == nil {
		return nil, ErrHealingDisabled
	}
	return s.healer.HandleID(ctx, anomalyID)
}

// Attempts lists the healing attempts for an anomaly.
func (s *Service) Attempts(ctx context.Context, anomalyID string) ([]*healing.Attempt, error) {
	if s.healer == nil {
		return nil, ErrHealingDisabled
	}
	return s.healer.Attempts(ctx, anomalyID)
}

// SubmitAction runs the full action flow: gate, sign, append an
// action_submitted entry, scan, classify, and dispatch any anomaly.
func (s *Service) SubmitAction(ctx context.Context, env signing.ActionEnvelope) (*Submission, error) {
	if env.Actor == "" || env.ActionType == "" {
		return nil, errors.New("actor and action_type are required")
	}
	if err := s.gate.Allow(env.Actor); err != nil {
		return nil, err
	}
	if env.ActionID == "" {
		env.ActionID = uuid.NewString()
	}

	signed, err := s.engine.CreateEnvelope(ctx, env)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.Append(ctx, trustledger.AppendRequest{
		EventType: EventActionSubmitted,
		Actor:     env.Actor,
		Resource:  env.Resource,
		Payload: map[string]any{
			"action_id":   env.ActionID,
			"action_type": env.ActionType,
			"input_hash":  signed.InputHash,
			"signature":   signed.Signature,
			"kid":         signed.KeyID,
			"signed_at":   signed.SignedAt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}

	alerts := s.scanner.Scan(ctx, env.ActionType, env.Actor, env.InputData)
	sub := &Submission{
		Envelope: env,
		Signed:   signed,
		Entry:    entry,
		Threat:   threat.Summarize(alerts),
	}
	if len(alerts) == 0 {
		return sub, nil
	}

	a, err := s.ReportSignal(ctx, anomaly.ThreatSignal{
		ActionID:   env.ActionID,
		Actor:      env.Actor,
		ActionType: env.ActionType,
		Alerts:     alerts,
	})
	if err != nil {
		// The action is already signed and on the ledger.
		s.logger.Error("classify threat alerts", zap.String("action_id", env.ActionID), zap.Error(err))
		return sub, nil
	}
	sub.Anomaly = a
	return sub, nil
}

// Close waits for dispatched healing to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
