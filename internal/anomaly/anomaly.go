// Package anomaly classifies verification results, threat alerts and
// verification events into typed, severity-ranked anomalies.
//
// Classification is deterministic: the same signal always yields the same
// type, severity and evidence. Evidence is fingerprinted so that reporting the
// same signal twice never opens two anomalies.
package anomaly

import (
	"encoding/json"
	"errors"
	"time"
)

// Type is the anomaly taxonomy.
type Type string

const (
	TypeIntegrityViolation  Type = "integrity_violation"
	TypeThreatPatternMatch  Type = "threat_pattern_match"
	TypeVerificationFailure Type = "verification_failure"
	TypeResourceExhaustion  Type = "resource_exhaustion"
)

// Severity ranks anomalies: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in the severity order, or -1 if unknown.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Raise returns the next severity, capped at critical.
func (s Severity) Raise() Severity {
	r := s.Rank()
	if r < 0 || r+1 >= len(severityOrder) {
		return SeverityCritical
	}
	return severityOrder[r+1]
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// ErrNotFound is returned by repositories when no record matches.
var ErrNotFound = errors.New("anomaly not found")

// Anomaly is a classified fault signal. It is created by the Detector and
// mutated only to flip Resolved or to raise Severity on escalation.
type Anomaly struct {
	ID              string          `json:"anomaly_id"`
	Type            Type            `json:"type"`
	Severity        Severity        `json:"severity"`
	SourceComponent string          `json:"source_component"`
	DetectedAt      time.Time       `json:"detected_at"`
	Evidence        json.RawMessage `json:"evidence"`
	Fingerprint     string          `json:"fingerprint"`
	Resolved        bool            `json:"resolved"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	Escalations     int             `json:"escalations"`
}

func (a *Anomaly) clone() *Anomaly {
	cp := *a
	cp.Evidence = append(json.RawMessage(nil), a.Evidence...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// VerificationEvent is the append-only record of one completed verification
// by any component.
type VerificationEvent struct {
	ID               string         `json:"id"`
	VerificationType string         `json:"verification_type"`
	TargetComponent  string         `json:"target_component"`
	Method           string         `json:"method"`
	Result           string         `json:"result"`
	Passed           bool           `json:"passed"`
	AnomalyScore     float64        `json:"anomaly_score"`
	Confidence       float64        `json:"confidence"`
	Details          map[string]any `json:"details,omitempty"`
	VerifiedBy       string         `json:"verified_by"`
	CreatedAt        time.Time      `json:"created_at"`
}
