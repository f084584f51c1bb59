package guardrails

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Winner records which side of a concurrent screening race finished first.
type Winner string

const (
	WinnerGuardrails         Winner = "guardrails_first"
	WinnerUpstream           Winner = "llm_first"
	WinnerGuardrailsTimedOut Winner = "guardrails_timed_out"
)

var raceOutcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hadrian_guardrails_race_outcomes_total",
		Help: "Concurrent screening races by winner and release decision.",
	},
	[]string{"winner", "released"},
)

// RaceResult carries both sides of a concurrent screening race.
type RaceResult[T any] struct {
	Winner Winner
	// Verdict is the evaluation outcome. It is always present: a timed-out
	// evaluation still resolves through the on_timeout policy.
	Verdict *Outcome
	// Released reports whether the upstream result may reach the client.
	Released bool

	// Upstream and UpstreamErr are valid once UpstreamDone is set. The
	// upstream call always runs to completion, even when its result is
	// discarded, so usage it produced can still be reconciled.
	Upstream     T
	UpstreamErr  error
	UpstreamDone bool

	UpstreamElapsed time.Duration
}

// Race starts eval and the upstream call together and resolves them per the
// evaluator's policy:
//
//   - evaluation finishes first and passes: release, await upstream
//   - evaluation finishes first and blocks: cancel upstream, discard
//   - upstream finishes first: await the verdict for the remaining timeout
//   - evaluation times out: the on_timeout policy decides
//
// gate is invoked exactly once, the moment Winner, Verdict, and Released
// are resolved and before the upstream call is awaited, so callers can
// release or withhold a gated response without waiting for stream end. The
// upstream fields may still be unset when gate runs.
func Race[T any](ctx context.Context, eval *Evaluator, content, requestID, orgID string, call func(context.Context) (T, error), gate func(*RaceResult[T])) *RaceResult[T] {
	if gate == nil {
		gate = func(*RaceResult[T]) {}
	}
	res := &RaceResult[T]{}

	upCtx, cancelUp := context.WithCancel(ctx)
	defer cancelUp()

	type upstreamResult struct {
		value   T
		err     error
		elapsed time.Duration
	}
	upCh := make(chan upstreamResult, 1)
	go func() {
		start := time.Now()
		v, err := call(upCtx)
		upCh <- upstreamResult{value: v, err: err, elapsed: time.Since(start)}
	}()

	evalCh := make(chan *Outcome, 1)
	go func() {
		evalCh <- eval.Evaluate(ctx, content, requestID, orgID)
	}()

	collect := func(up upstreamResult) {
		res.Upstream = up.value
		res.UpstreamErr = up.err
		res.UpstreamDone = true
		res.UpstreamElapsed = up.elapsed
	}

	// Evaluate bounds itself with the policy timeout, so awaiting evalCh
	// after upstream wins naturally waits only the remaining time.
	select {
	case verdict := <-evalCh:
		res.Winner = WinnerGuardrails
		res.Verdict = verdict
	case up := <-upCh:
		collect(up)
		res.Winner = WinnerUpstream
		res.Verdict = <-evalCh
	case <-ctx.Done():
		cancelUp()
		res.Verdict = <-evalCh
		res.Winner = WinnerGuardrails
		collect(<-upCh)
	}

	if res.Verdict.TimedOut {
		res.Winner = WinnerGuardrailsTimedOut
	}
	res.Released = res.Verdict.Allowed && ctx.Err() == nil

	if !res.Released {
		cancelUp()
	}
	gate(res)

	if !res.UpstreamDone {
		collect(<-upCh)
	}

	raceOutcomesTotal.WithLabelValues(string(res.Winner), boolLabel(res.Released)).Inc()
	return res
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
