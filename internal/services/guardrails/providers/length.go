package providers

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/tokens"
)

// LengthConfig bounds content size. At least one limit must be set.
type LengthConfig struct {
	Name      string
	MaxChars  int
	MaxTokens int

	// Estimator counts tokens for MaxTokens. Nil approximates.
	Estimator *tokens.Estimator
}

// LengthLimit rejects content over a character or token budget.
type LengthLimit struct {
	name      string
	maxChars  int
	maxTokens int
	estimator *tokens.Estimator
}

func NewLengthLimit(cfg *LengthConfig) *LengthLimit {
	name := cfg.Name
	if name == "" {
		name = "length"
	}
	return &LengthLimit{
		name:      name,
		maxChars:  cfg.MaxChars,
		maxTokens: cfg.MaxTokens,
		estimator: cfg.Estimator,
	}
}

func (l *LengthLimit) Name() string { return l.name }

func (l *LengthLimit) Type() string { return "length" }

func (l *LengthLimit) Evaluate(_ context.Context, input *types.Input) (*types.Result, error) {
	start := time.Now()

	var violations []types.Violation
	if l.maxChars > 0 {
		if chars := utf8.RuneCountInString(input.Content); chars > l.maxChars {
			violations = append(violations, types.Violation{
				Category:   "length",
				Severity:   types.SeverityMedium,
				Confidence: 1,
				Message:    fmt.Sprintf("content is %d characters, limit is %d", chars, l.maxChars),
			})
		}
	}
	if l.maxTokens > 0 {
		if count := l.estimator.Count(input.Content); count > l.maxTokens {
			violations = append(violations, types.Violation{
				Category:   "length",
				Severity:   types.SeverityMedium,
				Confidence: 1,
				Message:    fmt.Sprintf("content is ~%d tokens, limit is %d", count, l.maxTokens),
			})
		}
	}

	result := &types.Result{
		Passed:     len(violations) == 0,
		Action:     types.ActionAllow,
		Violations: violations,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	if !result.Passed {
		result.Action = types.ActionBlock
	}
	return result, nil
}
