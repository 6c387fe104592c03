package threat

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"go.uber.org/zap"
)

// DefaultMaxPayloadBytes is the projection size above which an
// oversized_payload alert is raised.
const DefaultMaxPayloadBytes = 64 << 10

// maxMatchLen bounds the matched text echoed back in an Alert.
const maxMatchLen = 64

// Config tunes the scanner.
type Config struct {
	MaxPayloadBytes int
}

// ruleFunc inspects the projection of one action and returns zero or more
// alerts if its rule matches.
type ruleFunc func(projection string) []Alert

// Scanner runs the default rule set against action inputs.
type Scanner struct {
	rules  []ruleFunc
	logger *zap.Logger
}

// NewScanner returns a Scanner loaded with the default rule set.
func NewScanner(cfg Config, logger *zap.Logger) *Scanner {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Scanner{
		rules: []ruleFunc{
			patternRule(sqlPatterns),
			patternRule(shellPatterns),
			patternRule(scriptPatterns),
			patternRule(traversalPatterns),
			sizeRule(cfg.MaxPayloadBytes),
		},
		logger: logger,
	}
}

// Scan inspects inputData and returns one alert per rule match. It never
// fails: a panic inside a rule is recovered and logged, and the scan
// reports no alerts.
func (s *Scanner) Scan(_ context.Context, actionType, actor string, inputData any) (alerts []Alert) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("threat scan failed, failing open",
				zap.String("action_type", actionType),
				zap.String("actor", actor),
				zap.Any("panic", r),
			)
			alerts = []Alert{}
		}
	}()

	projection := s.project(inputData)
	alerts = []Alert{}
	for _, r := range s.rules {
		alerts = append(alerts, r(projection)...)
	}

	if len(alerts) > 0 {
		s.logger.Info("threat patterns matched",
			zap.String("action_type", actionType),
			zap.String("actor", actor),
			zap.Int("alerts", len(alerts)),
		)
	}
	return alerts
}

// project renders inputData as canonical JSON, falling back to its fmt
// representation when it has no JSON form.
func (s *Scanner) project(inputData any) string {
	if str, ok := inputData.(string); ok {
		return str
	}
	b, err := signing.Canonicalize(inputData)
	if err != nil {
		s.logger.Debug("threat scan projection fell back to fmt", zap.Error(err))
		return fmt.Sprintf("%v", inputData)
	}
	return string(b)
}

// ── Rules ─────────────────────────────────────────────────────────────────────

type pattern struct {
	category    string
	name        string
	re          *regexp.Regexp
	description string
	confidence  float64
}

var sqlPatterns = []pattern{
	{CategorySQLInjection, "union_select", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
		"UNION-based SQL injection", 0.8},
	{CategorySQLInjection, "tautology", regexp.MustCompile(`(?i)'\s*or\s+'?[\w]+'?\s*=\s*'?[\w]+`),
		"Boolean tautology in quoted SQL context", 0.7},
	{CategorySQLInjection, "stacked_ddl", regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s+(table|database)\b`),
		"Stacked destructive SQL statement", 0.9},
	{CategorySQLInjection, "time_based", regexp.MustCompile(`(?i)\b(sleep|pg_sleep|benchmark)\s*\(\s*\d+`),
		"Time-based blind SQL injection", 0.6},
}

var shellPatterns = []pattern{
	{CategoryShellInjection, "chained_command", regexp.MustCompile(`(?i)(;|&&|\|\|)\s*(rm|curl|wget|nc|ncat|bash|sh|chmod|chown)\b`),
		"Chained shell command", 0.8},
	{CategoryShellInjection, "command_substitution", regexp.MustCompile("\\$\\([^)]+\\)|`[^`]+`"),
		"Shell command substitution", 0.7},
	{CategoryShellInjection, "pipe_to_shell", regexp.MustCompile(`\|\s*(sh|bash|zsh)\b`),
		"Output piped into a shell", 0.8},
}

var scriptPatterns = []pattern{
	{CategoryScriptInjection, "script_tag", regexp.MustCompile(`(?i)<\s*script\b`),
		"Inline script tag", 0.8},
	{CategoryScriptInjection, "javascript_uri", regexp.MustCompile(`(?i)javascript\s*:`),
		"javascript: URI", 0.7},
	{CategoryScriptInjection, "event_handler", regexp.MustCompile(`(?i)\bon(error|load|click|mouseover)\s*=`),
		"Inline DOM event handler", 0.6},
	{CategoryScriptInjection, "eval_call", regexp.MustCompile(`(?i)\beval\s*\(`),
		"Dynamic code evaluation", 0.6},
}

var traversalPatterns = []pattern{
	{CategoryPathTraversal, "dot_dot_slash", regexp.MustCompile(`\.\.[/\\]`),
		"Relative path traversal", 0.7},
	{CategoryPathTraversal, "encoded_dot_dot", regexp.MustCompile(`(?i)%2e%2e(%2f|%5c|/|\\)`),
		"URL-encoded path traversal", 0.8},
	{CategoryPathTraversal, "sensitive_file", regexp.MustCompile(`(?i)/etc/(passwd|shadow|sudoers)\b`),
		"Reference to a sensitive system file", 0.6},
}

func patternRule(patterns []pattern) ruleFunc {
	return func(projection string) []Alert {
		var alerts []Alert
		for _, p := range patterns {
			m := p.re.FindString(projection)
			if m == "" {
				continue
			}
			if len(m) > maxMatchLen {
				m = m[:maxMatchLen]
			}
			alerts = append(alerts, Alert{
				Category:    p.category,
				Pattern:     p.name,
				Match:       m,
				Description: p.description,
				Confidence:  p.confidence,
			})
		}
		return alerts
	}
}

func sizeRule(limit int) ruleFunc {
	return func(projection string) []Alert {
		if len(projection) <= limit {
			return nil
		}
		return []Alert{{
			Category:    CategoryOversized,
			Pattern:     fmt.Sprintf("size>%d", limit),
			Description: fmt.Sprintf("Payload of %d bytes exceeds the %d byte limit", len(projection), limit),
			Confidence:  0.5,
		}}
	}
}
