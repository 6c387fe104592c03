package anomaly

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/aaron031291/grace-2-sub022/internal/threat"
)

// candidate is the deterministic outcome of the rule table, before dedupe.
type candidate struct {
	typ      Type
	severity Severity
	source   string
	evidence any
}

// highAlertCount is the number of threat alerts at which a threat anomaly
// is classified high instead of medium.
const highAlertCount = 3

// classify applies the rule table to sig. It returns nil for signals that
// carry no fault.
func classify(sig Signal, confidenceThreshold float64) *candidate {
	switch s := sig.(type) {
	case ChainSignal:
		if s.Result == nil || s.Result.ChainIntegrity {
			return nil
		}
		// from/to are left out so re-verifying the same break dedupes.
		return &candidate{
			typ:      TypeIntegrityViolation,
			severity: SeverityCritical,
			source:   s.source(),
			evidence: map[string]any{"issues": s.Result.Issues},
		}

	case ThreatSignal:
		if len(s.Alerts) == 0 {
			return nil
		}
		evidence := map[string]any{
			"action_id":   s.ActionID,
			"actor":       s.Actor,
			"action_type": s.ActionType,
			"alerts":      s.Alerts,
		}
		if onlyOversized(s.Alerts) {
			return &candidate{TypeResourceExhaustion, SeverityMedium, s.source(), evidence}
		}
		sev := SeverityMedium
		if len(s.Alerts) >= highAlertCount {
			sev = SeverityHigh
		}
		return &candidate{TypeThreatPatternMatch, sev, s.source(), evidence}

	case VerificationSignal:
		ev := s.Event
		if ev == nil || ev.Passed {
			return nil
		}
		sev := SeverityMedium
		if ev.Confidence < confidenceThreshold {
			sev = SeverityHigh
		}
		return &candidate{
			typ:      TypeVerificationFailure,
			severity: sev,
			source:   s.source(),
			evidence: map[string]any{
				"verification_type": ev.VerificationType,
				"target_component":  ev.TargetComponent,
				"method":            ev.Method,
				"result":            ev.Result,
				"confidence":        ev.Confidence,
				"anomaly_score":     ev.AnomalyScore,
				"details":           ev.Details,
				"verified_by":       ev.VerifiedBy,
			},
		}
	}
	return nil
}

func onlyOversized(alerts []threat.Alert) bool {
	for _, a := range alerts {
		if a.Category != threat.CategoryOversized {
			return false
		}
	}
	return true
}

// fingerprint is the stable identity of a candidate's evidence.
func fingerprint(typ Type, canonicalEvidence []byte) string {
	h := sha256.New()
	h.Write([]byte(typ))
	h.Write([]byte{'|'})
	h.Write(canonicalEvidence)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the fingerprint the Detector would assign to sig, or
// "" when sig carries no fault.
func Fingerprint(sig Signal, confidenceThreshold float64) (string, error) {
	c := classify(sig, confidenceThreshold)
	if c == nil {
		return "", nil
	}
	ev, err := signing.Canonicalize(c.evidence)
	if err != nil {
		return "", err
	}
	return fingerprint(c.typ, ev), nil
}
