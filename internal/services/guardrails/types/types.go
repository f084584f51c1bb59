// Package types defines the contract between the guardrail evaluator and
// its providers.
package types

import (
	"context"
	"errors"
)

// Direction tells a provider which side of the exchange it is screening.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Severity ranks a violation. The evaluator downgrades violations below
// the configured threshold to warnings instead of blocks.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3). Unknown values rank
// lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Action is a provider's requested disposition for the screened content.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionBlock  Action = "block"
	ActionRedact Action = "redact"
)

// Violation is one finding reported by a provider.
type Violation struct {
	Category   string   `json:"category"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Message    string   `json:"message,omitempty"`
}

// Input is the content handed to a provider for screening.
type Input struct {
	Content   string
	Direction Direction
	RequestID string
	OrgID     string
	Metadata  map[string]string
}

// Result is a provider's verdict on one input.
type Result struct {
	Passed     bool
	Action     Action
	Violations []Violation

	// Redacted carries rewritten content when the provider transformed the
	// input instead of rejecting it. Empty means the original stands.
	Redacted string

	LatencyMs int64
}

// Provider screens content for one concern. Evaluate must honor context
// cancellation. Transient failures should be wrapped with Retryable so the
// evaluator grants one more attempt.
type Provider interface {
	Name() string
	Type() string
	Evaluate(ctx context.Context, input *Input) (*Result, error)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks a transient provider failure: a timeout, an upstream 5xx,
// a transport error. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
