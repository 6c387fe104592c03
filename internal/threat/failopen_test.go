package threat

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestScan_failsOpenOnRulePanic(t *testing.T) {
	s := NewScanner(Config{}, zap.NewNop())
	s.rules = append([]ruleFunc{func(string) []Alert { panic("rule exploded") }}, s.rules...)

	alerts := s.Scan(context.Background(), "exec", "agent-1", "; rm -rf /")
	if alerts == nil || len(alerts) != 0 {
		t.Errorf("expected empty, non-nil alerts after panic, got %#v", alerts)
	}
}
