// Package guardrails screens request and response content through an
// ordered provider chain under a shared policy. The evaluator resolves
// provider verdicts, severity downgrades, redaction, timeouts, and provider
// failures into a single Outcome the gateway can act on.
package guardrails

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/retry"
)

// Mode selects how input screening relates to the upstream call.
type Mode string

const (
	// ModeBlocking evaluates before the upstream call starts.
	ModeBlocking Mode = "blocking"
	// ModeConcurrent races evaluation against the upstream call.
	ModeConcurrent Mode = "concurrent"
)

// FailAction decides what happens when evaluation cannot produce a verdict.
type FailAction string

const (
	FailAllow FailAction = "allow"
	FailBlock FailAction = "block"
)

// Verdict summarizes an Outcome for logs and response headers.
type Verdict string

const (
	VerdictPassed   Verdict = "passed"
	VerdictWarned   Verdict = "warned"
	VerdictRedacted Verdict = "redacted"
	VerdictBlocked  Verdict = "blocked"
	VerdictTimedOut Verdict = "timed_out"
)

// Violation categories synthesized by the evaluator itself.
const (
	CategoryProviderError = "provider_error"
	CategoryTimeout       = "timeout"
)

var (
	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_guardrails_evaluations_total",
			Help: "Guardrail evaluations by direction and verdict.",
		},
		[]string{"direction", "verdict"},
	)
	evaluationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hadrian_guardrails_evaluation_seconds",
			Help:    "Wall time spent evaluating guardrail chains.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"direction"},
	)
	providerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_guardrails_provider_errors_total",
			Help: "Guardrail provider failures after retry.",
		},
		[]string{"provider"},
	)
)

// Policy governs one evaluator chain. A Timeout of zero or less applies the
// on_timeout policy without running any provider; configuration supplies the
// 5s default for unset timeouts.
type Policy struct {
	Mode      Mode
	Timeout   time.Duration
	OnError   FailAction
	OnTimeout FailAction
}

func (p Policy) withDefaults() Policy {
	if p.Mode == "" {
		p.Mode = ModeBlocking
	}
	if p.OnError == "" {
		p.OnError = FailBlock
	}
	if p.OnTimeout == "" {
		p.OnTimeout = FailBlock
	}
	return p
}

// BoundProvider pairs a provider with its severity floor. Violations ranking
// below the floor are downgraded to warnings instead of blocking.
type BoundProvider struct {
	Provider      types.Provider
	SeverityFloor types.Severity
}

// Outcome is the resolved result of running one evaluator chain.
type Outcome struct {
	// Allowed reports whether the content may proceed. Blocks and
	// block-policy timeouts clear it.
	Allowed  bool
	Verdict  Verdict
	TimedOut bool

	// Violations hold the findings that decided a block, deciding one first.
	Violations []types.Violation
	// Warnings hold downgraded and informational findings.
	Warnings []types.Violation

	// Content is the screened content after any redaction.
	Content  string
	Redacted bool

	// Provider names the provider that decided a block.
	Provider string

	Elapsed time.Duration
}

// DecidingCategory returns the category of the violation that decided a
// block, or "" when the outcome allows.
func (o *Outcome) DecidingCategory() string {
	if len(o.Violations) == 0 {
		return ""
	}
	return o.Violations[0].Category
}

// Categories returns every violation category, deciding one first.
func (o *Outcome) Categories() string {
	if len(o.Violations) == 0 {
		return ""
	}
	cats := make([]string, 0, len(o.Violations))
	for _, v := range o.Violations {
		cats = append(cats, v.Category)
	}
	return strings.Join(cats, ",")
}

// Evaluator runs a provider chain in order over one direction of traffic.
type Evaluator struct {
	direction types.Direction
	providers []BoundProvider
	policy    Policy
	logger    *zap.Logger
}

// NewEvaluator builds an evaluator. Unset policy actions default to
// blocking mode and fail-closed on error and on timeout.
func NewEvaluator(direction types.Direction, providers []BoundProvider, policy Policy, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		direction: direction,
		providers: providers,
		policy:    policy.withDefaults(),
		logger:    logger.Named("guardrails").With(zap.String("direction", string(direction))),
	}
}

// Empty reports whether the chain has no providers to run.
func (e *Evaluator) Empty() bool { return len(e.providers) == 0 }

// Policy returns the evaluator's resolved policy.
func (e *Evaluator) Policy() Policy { return e.policy }

// Evaluate runs the chain over content. Empty content passes without
// touching any provider. The chain stops at the first blocking finding.
// Provider errors get one more attempt when retryable, then resolve through
// the on_error policy; the overall timeout resolves through on_timeout.
func (e *Evaluator) Evaluate(ctx context.Context, content, requestID, orgID string) *Outcome {
	start := time.Now()
	out := &Outcome{Allowed: true, Verdict: VerdictPassed, Content: content}

	if strings.TrimSpace(content) == "" || len(e.providers) == 0 {
		return e.finish(out, start)
	}
	if e.policy.Timeout <= 0 {
		return e.finish(e.timedOut(out), start)
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	for _, bound := range e.providers {
		if evalCtx.Err() != nil {
			return e.finish(e.timedOut(out), start)
		}

		res, err := e.evaluateProvider(evalCtx, bound.Provider, &types.Input{
			Content:   out.Content,
			Direction: e.direction,
			RequestID: requestID,
			OrgID:     orgID,
		})
		if err != nil {
			if evalCtx.Err() != nil {
				return e.finish(e.timedOut(out), start)
			}
			providerErrorsTotal.WithLabelValues(bound.Provider.Name()).Inc()
			finding := types.Violation{
				Category: CategoryProviderError,
				Severity: types.SeverityHigh,
				Message:  bound.Provider.Name() + ": " + err.Error(),
			}
			if e.policy.OnError == FailBlock {
				out.Allowed = false
				out.Verdict = VerdictBlocked
				out.Provider = bound.Provider.Name()
				out.Violations = append(out.Violations, finding)
				e.logger.Warn("provider failed closed",
					zap.String("provider", bound.Provider.Name()),
					zap.String("request_id", requestID),
					zap.Error(err))
				return e.finish(out, start)
			}
			out.Warnings = append(out.Warnings, finding)
			e.logger.Warn("provider failed open",
				zap.String("provider", bound.Provider.Name()),
				zap.String("request_id", requestID),
				zap.Error(err))
			continue
		}

		if res.Action == types.ActionRedact {
			if res.Redacted != "" {
				out.Content = res.Redacted
			}
			out.Redacted = true
			out.Warnings = append(out.Warnings, res.Violations...)
			continue
		}

		if res.Passed && res.Action != types.ActionBlock {
			out.Warnings = append(out.Warnings, res.Violations...)
			continue
		}

		blocking, warnings := splitBySeverity(res.Violations, bound.SeverityFloor)
		out.Warnings = append(out.Warnings, warnings...)
		if len(res.Violations) == 0 {
			// A bare rejection carries no severity to downgrade.
			blocking = []types.Violation{{
				Category: bound.Provider.Type(),
				Severity: types.SeverityHigh,
				Message:  "content rejected by " + bound.Provider.Name(),
			}}
		}
		if len(blocking) > 0 {
			out.Allowed = false
			out.Verdict = VerdictBlocked
			out.Provider = bound.Provider.Name()
			out.Violations = blocking
			return e.finish(out, start)
		}
	}

	if out.Redacted {
		out.Verdict = VerdictRedacted
	} else if len(out.Warnings) > 0 {
		out.Verdict = VerdictWarned
	}
	return e.finish(out, start)
}

// evaluateProvider grants retryable failures one more attempt.
func (e *Evaluator) evaluateProvider(ctx context.Context, p types.Provider, input *types.Input) (*types.Result, error) {
	var res *types.Result
	err := retry.Do(ctx, &retry.Config{
		MaxAttempts:  2,
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
	}, func(ctx context.Context) error {
		var evalErr error
		res, evalErr = p.Evaluate(ctx, input)
		return evalErr
	}, types.IsRetryable)
	return res, err
}

func (e *Evaluator) timedOut(out *Outcome) *Outcome {
	out.TimedOut = true
	out.Verdict = VerdictTimedOut
	out.Allowed = e.policy.OnTimeout != FailBlock
	if !out.Allowed {
		out.Violations = append(out.Violations, types.Violation{
			Category: CategoryTimeout,
			Severity: types.SeverityHigh,
			Message:  "guardrail evaluation timed out",
		})
	}
	return out
}

func (e *Evaluator) finish(out *Outcome, start time.Time) *Outcome {
	out.Elapsed = time.Since(start)
	evaluationsTotal.WithLabelValues(string(e.direction), string(out.Verdict)).Inc()
	evaluationSeconds.WithLabelValues(string(e.direction)).Observe(out.Elapsed.Seconds())
	return out
}

// splitBySeverity partitions findings at the floor: at or above it they
// block, below it they warn.
func splitBySeverity(violations []types.Violation, floor types.Severity) (blocking, warnings []types.Violation) {
	floorRank := floor.Rank()
	for _, v := range violations {
		if v.Severity.Rank() >= floorRank {
			blocking = append(blocking, v)
		} else {
			warnings = append(warnings, v)
		}
	}
	return blocking, warnings
}
