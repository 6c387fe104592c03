package healing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Selector picks the remediation action for an anomaly.
type Selector interface {
	Select(ctx context.Context, a *anomaly.Anomaly) (Action, error)
}

// CapabilityTable maps anomaly type and severity to an action. Defaults
// holds the per-type fallback when no severity-specific entry exists.
type CapabilityTable struct {
	Entries  map[anomaly.Type]map[anomaly.Severity]Action
	Defaults map[anomaly.Type]Action
	Fallback Action
}

// DefaultCapabilities returns the built-in capability table.
func DefaultCapabilities() *CapabilityTable {
	return &CapabilityTable{
		Entries: map[anomaly.Type]map[anomaly.Severity]Action{
			anomaly.TypeThreatPatternMatch: {
				anomaly.SeverityMedium:   ActionThrottleActor,
				anomaly.SeverityHigh:     ActionQuarantineActor,
				anomaly.SeverityCritical: ActionQuarantineActor,
			},
			anomaly.TypeVerificationFailure: {
				anomaly.SeverityHigh:     ActionRotateSigningKey,
				anomaly.SeverityCritical: ActionRotateSigningKey,
			},
		},
		Defaults: map[anomaly.Type]Action{
			anomaly.TypeIntegrityViolation:  ActionReverifyChain,
			anomaly.TypeThreatPatternMatch:  ActionThrottleActor,
			anomaly.TypeVerificationFailure: ActionRerunVerification,
			anomaly.TypeResourceExhaustion:  ActionThrottleActor,
		},
		Fallback: ActionManualReview,
	}
}

// Select implements Selector.
func (t *CapabilityTable) Select(_ context.Context, a *anomaly.Anomaly) (Action, error) {
	if bySev, ok := t.Entries[a.Type]; ok {
		if act, ok := bySev[a.Severity]; ok {
			return act, nil
		}
	}
	if act, ok := t.Defaults[a.Type]; ok {
		return act, nil
	}
	return t.Fallback, nil
}

// DefaultRegoQuery is the rule a selection policy must define.
const DefaultRegoQuery = "data.trust.healing.action"

// RegoSelector evaluates an OPA policy to pick the action. The policy sees
// the anomaly as input; when the rule is undefined the capability table
// decides.
type RegoSelector struct {
	query    rego.PreparedEvalQuery
	fallback Selector
	logger   *zap.Logger
}

// NewRegoSelector compiles policy (Rego source) and prepares query. A nil
// fallback uses DefaultCapabilities.
func NewRegoSelector(ctx context.Context, policy, query string, fallback Selector, logger *zap.Logger) (*RegoSelector, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	if fallback == nil {
		fallback = DefaultCapabilities()
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("healing.rego", policy),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare healing policy: %w", err)
	}
	return &RegoSelector{query: prepared, fallback: fallback, logger: logger}, nil
}

// NewRegoSelectorFromFiles loads the policy from files or directories.
func NewRegoSelectorFromFiles(ctx context.Context, paths []string, query string, fallback Selector, logger *zap.Logger) (*RegoSelector, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	if fallback == nil {
		fallback = DefaultCapabilities()
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Load(paths, nil),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare healing policy: %w", err)
	}
	return &RegoSelector{query: prepared, fallback: fallback, logger: logger}, nil
}

// Select implements Selector.
func (s *RegoSelector) Select(ctx context.Context, a *anomaly.Anomaly) (Action, error) {
	var evidence any
	if len(a.Evidence) > 0 {
		if err := json.Unmarshal(a.Evidence, &evidence); err != nil {
			return "", fmt.Errorf("decode anomaly evidence: %w", err)
		}
	}
	input := map[string]any{
		"anomaly_id":       a.ID,
		"type":             string(a.Type),
		"severity":         string(a.Severity),
		"source_component": a.SourceComponent,
		"escalations":      a.Escalations,
		"evidence":         evidence,
	}

	results, err := s.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("evaluate healing policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return s.fallback.Select(ctx, a)
	}
	name, ok := results[0].Expressions[0].Value.(string)
	if !ok || name == "" {
		s.logger.Warn("healing policy returned a non-string action",
			zap.Any("value", results[0].Expressions[0].Value),
		)
		return s.fallback.Select(ctx, a)
	}
	return Action(name), nil
}
