package providers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
)

// PIIConfig configures the local PII detector.
type PIIConfig struct {
	Name string

	// Categories limits detection to the named categories. Empty enables
	// every pattern.
	Categories []string

	// Redact rewrites matches as [REDACTED:<category>] instead of blocking.
	Redact bool
}

type piiPattern struct {
	category   string
	severity   types.Severity
	confidence float64
	re         *regexp.Regexp

	// verify rejects regex matches that fail a structural check, like the
	// Luhn digit for card numbers.
	verify func(match string) bool
}

// Card numbers are matched before phone numbers so that redaction consumes
// the digits first.
var piiPatterns = []piiPattern{
	{
		category:   "credit_card",
		severity:   types.SeverityCritical,
		confidence: 0.95,
		re:         regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`),
		verify:     luhnValid,
	},
	{
		category:   "iban",
		severity:   types.SeverityHigh,
		confidence: 0.85,
		re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
	},
	{
		category:   "ssn",
		severity:   types.SeverityCritical,
		confidence: 0.9,
		re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		category:   "email",
		severity:   types.SeverityMedium,
		confidence: 0.95,
		re:         regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	{
		category:   "phone",
		severity:   types.SeverityMedium,
		confidence: 0.7,
		re:         regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?\(?\b\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`),
	},
}

// PIIDetector screens content for personally identifiable information with
// local regex patterns. It makes no network calls.
type PIIDetector struct {
	name     string
	redact   bool
	patterns []piiPattern
}

// NewPIIDetector builds a detector limited to the configured categories.
func NewPIIDetector(cfg *PIIConfig) *PIIDetector {
	enabled := make(map[string]bool, len(cfg.Categories))
	for _, c := range cfg.Categories {
		enabled[strings.ToLower(strings.TrimSpace(c))] = true
	}

	var patterns []piiPattern
	for _, p := range piiPatterns {
		if len(enabled) == 0 || enabled[p.category] {
			patterns = append(patterns, p)
		}
	}

	name := cfg.Name
	if name == "" {
		name = "regex_pii"
	}
	return &PIIDetector{
		name:     name,
		redact:   cfg.Redact,
		patterns: patterns,
	}
}

func (p *PIIDetector) Name() string { return p.name }

func (p *PIIDetector) Type() string { return "regex_pii" }

// Evaluate scans the content. In redact mode matches are rewritten and the
// result passes with Action redact; otherwise any match blocks.
func (p *PIIDetector) Evaluate(_ context.Context, input *types.Input) (*types.Result, error) {
	start := time.Now()

	content := input.Content
	var violations []types.Violation

	for _, pat := range p.patterns {
		count := 0
		if p.redact {
			content = pat.re.ReplaceAllStringFunc(content, func(m string) string {
				if pat.verify != nil && !pat.verify(m) {
					return m
				}
				count++
				return "[REDACTED:" + pat.category + "]"
			})
		} else {
			for _, m := range pat.re.FindAllString(content, -1) {
				if pat.verify != nil && !pat.verify(m) {
					continue
				}
				count++
			}
		}
		if count > 0 {
			violations = append(violations, types.Violation{
				Category:   pat.category,
				Severity:   pat.severity,
				Confidence: pat.confidence,
				Message:    fmt.Sprintf("found %d %s match(es)", count, pat.category),
			})
		}
	}

	result := &types.Result{
		Passed:    true,
		Action:    types.ActionAllow,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(violations) == 0 {
		return result, nil
	}

	result.Violations = violations
	if p.redact {
		result.Action = types.ActionRedact
		result.Redacted = content
		return result, nil
	}
	result.Passed = false
	result.Action = types.ActionBlock
	return result, nil
}

// luhnValid reports whether the digits in s form a valid card checksum.
// Separators are ignored; card numbers run 13 to 19 digits.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
