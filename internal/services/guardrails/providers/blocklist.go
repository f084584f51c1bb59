package providers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
)

// BlocklistConfig configures the term blocklist.
type BlocklistConfig struct {
	Name string

	// Terms are words or phrases matched case-insensitively on word
	// boundaries. Whitespace inside a phrase matches any run of whitespace.
	Terms []string
}

type blockedTerm struct {
	term string
	re   *regexp.Regexp
}

// Blocklist blocks content containing any configured term as a whole word.
type Blocklist struct {
	name  string
	terms []blockedTerm
}

// NewBlocklist compiles the configured terms. Empty terms are dropped.
func NewBlocklist(cfg *BlocklistConfig) *Blocklist {
	name := cfg.Name
	if name == "" {
		name = "blocklist"
	}

	terms := make([]blockedTerm, 0, len(cfg.Terms))
	for _, raw := range cfg.Terms {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		terms = append(terms, blockedTerm{
			term: term,
			re:   termPattern(term),
		})
	}
	return &Blocklist{name: name, terms: terms}
}

// termPattern builds a case-insensitive whole-word matcher. Multi-word
// phrases tolerate any whitespace between words.
func termPattern(term string) *regexp.Regexp {
	words := strings.Fields(term)
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(quoted, `\s+`) + `\b`)
}

func (b *Blocklist) Name() string { return b.name }

func (b *Blocklist) Type() string { return "blocklist" }

func (b *Blocklist) Evaluate(_ context.Context, input *types.Input) (*types.Result, error) {
	start := time.Now()

	var violations []types.Violation
	for _, t := range b.terms {
		if t.re.MatchString(input.Content) {
			violations = append(violations, types.Violation{
				Category:   "blocklist",
				Severity:   types.SeverityHigh,
				Confidence: 1,
				Message:    fmt.Sprintf("matched blocked term %q", t.term),
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
