package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aaron031291/grace-2-sub022/internal/healing"
	"go.uber.org/zap"
)

// ErrManualReview is returned for actions that only an operator can take.
// Such anomalies run out of retries and are escalated to governance.
var ErrManualReview = errors.New("anomaly requires manual review")

// Playbook is the built-in healing.Executor. It remediates against the
// Service's own components.
type Playbook struct {
	svc    *Service
	logger *zap.Logger
}

// NewPlaybook creates a Playbook acting on svc.
func NewPlaybook(svc *Service, logger *zap.Logger) *Playbook {
	return &Playbook{svc: svc, logger: logger}
}

// Execute implements healing.Executor.
func (p *Playbook) Execute(ctx context.Context, action healing.Action, anomalyID string, evidence []byte) (string, error) {
	switch action {
	case healing.ActionReverifyChain:
		res, err := p.svc.ledger.VerifyChain(ctx, 0)
		if err != nil {
			return "", err
		}
		if !res.ChainIntegrity {
			return "", fmt.Errorf("chain still broken: %d issues", len(res.Issues))
		}
		return fmt.Sprintf("chain intact across %d entries", res.TotalEntries), nil

	case healing.ActionRotateSigningKey:
		key, err := p.svc.engine.Keys().Rotate(ctx)
		if err != nil {
			return "", fmt.Errorf("rotate signing key: %w", err)
		}
		p.logger.Warn("signing key rotated by healing", zap.String("anomaly_id", anomalyID), zap.String("kid", key.KID))
		return "rotated to key " + key.KID, nil

	case healing.ActionQuarantineActor:
		actor, err := actorFromEvidence(evidence)
		if err != nil {
			return "", err
		}
		p.svc.gate.Quarantine(actor)
		return "quarantined actor " + actor, nil

	case healing.ActionThrottleActor:
		actor, err := actorFromEvidence(evidence)
		if err != nil {
			return "", err
		}
		p.svc.gate.Throttle(actor)
		return "throttled actor " + actor, nil

	case healing.ActionRerunVerification:
		if _, err := p.svc.engine.Keys().Active(ctx); err != nil {
			return "", fmt.Errorf("active signing key unavailable: %w", err)
		}
		res, err := p.svc.ledger.VerifyChain(ctx, 0)
		if err != nil {
			return "", err
		}
		if !res.ChainIntegrity {
			return "", fmt.Errorf("verification still failing: %d chain issues", len(res.Issues))
		}
		return "signing key and ledger verified", nil

	case healing.ActionManualReview:
		return "", ErrManualReview
	}
	return "", fmt.Errorf("unknown healing action %q", action)
}

// actorFromEvidence extracts the offending actor from threat evidence or
// from the details of a verification event.
func actorFromEvidence(evidence []byte) (string, error) {
	var ev struct {
		Actor   string `json:"actor"`
		Details struct {
			Actor string `json:"actor"`
		} `json:"details"`
	}
	if err := json.Unmarshal(evidence, &ev); err != nil {
		return "", fmt.Errorf("decode evidence: %w", err)
	}
	switch {
	case ev.Actor != "":
		return ev.Actor, nil
	case ev.Details.Actor != "":
		return ev.Details.Actor, nil
	}
	return "", errors.New("evidence names no actor")
}
