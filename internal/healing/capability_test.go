package healing_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/healing"
	"go.uber.org/zap"
)

func TestCapabilityTable_Select(t *testing.T) {
	table := healing.DefaultCapabilities()
	tests := []struct {
		typ  anomaly.Type
		sev  anomaly.Severity
		want healing.Action
	}{
		{anomaly.TypeIntegrityViolation, anomaly.SeverityCritical, healing.ActionReverifyChain},
		{anomaly.TypeThreatPatternMatch, anomaly.SeverityMedium, healing.ActionThrottleActor},
		{anomaly.TypeThreatPatternMatch, anomaly.SeverityHigh, healing.ActionQuarantineActor},
		{anomaly.TypeVerificationFailure, anomaly.SeverityMedium, healing.ActionRerunVerification},
		{anomaly.TypeVerificationFailure, anomaly.SeverityHigh, healing.ActionRotateSigningKey},
		{anomaly.TypeResourceExhaustion, anomaly.SeverityLow, healing.ActionThrottleActor},
		{anomaly.Type("unknown"), anomaly.SeverityLow, healing.ActionManualReview},
	}
	for _, tt := range tests {
		got, err := table.Select(ctx, &anomaly.Anomaly{Type: tt.typ, Severity: tt.sev})
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s/%s: got %s, want %s", tt.typ, tt.sev, got, tt.want)
		}
	}
}

const quarantinePolicy = `package trust.healing

action = "quarantine_actor" {
	input.type == "threat_pattern_match"
	input.evidence.actor == "mallory"
}
`

func TestRegoSelector_policyThenFallback(t *testing.T) {
	sel, err := healing.NewRegoSelector(ctx, quarantinePolicy, "", nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	evidence, _ := json.Marshal(map[string]any{"actor": "mallory"})
	got, err := sel.Select(ctx, &anomaly.Anomaly{
		Type: anomaly.TypeThreatPatternMatch, Severity: anomaly.SeverityMedium, Evidence: evidence,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != healing.ActionQuarantineActor {
		t.Errorf("policy match: got %s", got)
	}

	other, _ := json.Marshal(map[string]any{"actor": "alice"})
	got, err = sel.Select(ctx, &anomaly.Anomaly{
		Type: anomaly.TypeThreatPatternMatch, Severity: anomaly.SeverityMedium, Evidence: other,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != healing.ActionThrottleActor {
		t.Errorf("undefined rule should fall back to the table: got %s", got)
	}
}

func TestRegoSelector_fromFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "healing.rego"), []byte(quarantinePolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	sel, err := healing.NewRegoSelectorFromFiles(ctx, []string{dir}, healing.DefaultRegoQuery, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := sel.Select(ctx, &anomaly.Anomaly{Type: anomaly.TypeIntegrityViolation, Severity: anomaly.SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	if got != healing.ActionReverifyChain {
		t.Errorf("got %s", got)
	}
}

func TestNewRegoSelector_rejectsBadPolicy(t *testing.T) {
	if _, err := healing.NewRegoSelector(ctx, "package trust.healing\naction = {", "", nil, zap.NewNop()); err == nil {
		t.Error("expected compile error")
	}
}
