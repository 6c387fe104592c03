// Package threat provides static inspection of inbound action payloads.
// A Scanner runs a fixed set of categorised pattern rules against a string
// projection of the action input and returns one Alert per match. Scanning is
// fail-open: an internal failure is logged and yields no alerts, so an outage
// of the scanner never blocks the action path it monitors.
package threat

// Alert categories.
const (
	CategorySQLInjection    = "sql_injection"
	CategoryShellInjection  = "shell_injection"
	CategoryScriptInjection = "script_injection"
	CategoryPathTraversal   = "path_traversal"
	CategoryOversized       = "oversized_payload"
)

// Alert is a single rule match returned by the scanner.
type Alert struct {
	Category    string  `json:"category"`
	Pattern     string  `json:"pattern"`
	Match       string  `json:"match,omitempty"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Report aggregates the alerts of one scan.
type Report struct {
	// Score is the aggregate risk score (0–100).
	Score int `json:"score"`

	// Severity is a human-readable label derived from Score:
	//   0–14   → "none"
	//   15–34  → "low"
	//   35–64  → "medium"
	//   65–84  → "high"
	//   85–100 → "critical"
	Severity string `json:"severity"`

	// Alerts lists every rule that triggered.
	Alerts []Alert `json:"alerts"`
}

// Summarize aggregates alerts into a Report. Each alert contributes
// 25 × confidence points, capped at 100.
func Summarize(alerts []Alert) *Report {
	total := 0
	for _, a := range alerts {
		total += int(a.Confidence * 25)
	}
	if total > 100 {
		total = 100
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	return &Report{
		Score:    total,
		Severity: severityLabel(total),
		Alerts:   alerts,
	}
}

// severityLabel maps a 0–100 score to a severity string.
func severityLabel(score int) string {
	switch {
	case score >= 85:
		return "critical"
	case score >= 65:
		return "high"
	case score >= 35:
		return "medium"
	case score >= 15:
		return "low"
	default:
		return "none"
	}
}
