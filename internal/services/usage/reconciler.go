package usage

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/admission"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/retry"
)

var (
	reconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_usage_reconciliations_total",
			Help: "Receipt settlements by outcome",
		},
		[]string{"outcome"},
	)

	adjustFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hadrian_usage_adjust_failures_total",
		Help: "Reservation adjustments abandoned after exhausting retries",
	})
)

// Actual is the measured outcome of a completed request. Nil fields mean the
// upstream reported nothing; the admission estimate stands for those.
type Actual struct {
	// Failed marks a request that produced no billable usage. The whole
	// reservation is refunded.
	Failed         bool
	CostMicrocents *int64
	TotalTokens    *int64
}

// Reconciler settles admission receipts off the hot path, replacing the
// estimated reservations with what the request really consumed. Request-rate
// windows counted requests, not estimates, so they are never touched.
type Reconciler struct {
	cache  cache.Cache
	logger *zap.Logger
}

type ReconcilerConfig struct {
	Cache  cache.Cache
	Logger *zap.Logger
}

func NewReconciler(cfg *ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cache:  cfg.Cache,
		logger: logger.Named("reconciler"),
	}
}

// Reconcile settles the receipt against the observed outcome. The first call
// consumes the receipt; later calls are no-ops, so a stream-end path and a
// deferred cleanup path can both call it safely.
func (r *Reconciler) Reconcile(ctx context.Context, receipt *admission.Receipt, actual *Actual) {
	if receipt == nil || !receipt.Consume() {
		return
	}
	if actual == nil {
		actual = &Actual{}
	}

	if actual.Failed {
		r.refundAll(ctx, receipt)
		reconciliationsTotal.WithLabelValues("refunded").Inc()
		return
	}

	if actual.CostMicrocents == nil && actual.TotalTokens == nil {
		r.logger.Debug("No measured usage, estimates stand")
		reconciliationsTotal.WithLabelValues("estimated").Inc()
		return
	}

	if actual.CostMicrocents != nil {
		r.adjust(ctx, receipt.Budget, *actual.CostMicrocents)
	}
	if actual.TotalTokens != nil {
		r.adjust(ctx, receipt.TokensMinute, *actual.TotalTokens)
		r.adjust(ctx, receipt.TokensDay, *actual.TotalTokens)
	}
	reconciliationsTotal.WithLabelValues("adjusted").Inc()
}

// adjust replaces one reserved amount with the measured one. Zero deltas
// skip the cache call.
func (r *Reconciler) adjust(ctx context.Context, stub *admission.ReserveStub, actual int64) {
	if stub == nil {
		return
	}
	delta := actual - stub.Amount
	if delta == 0 {
		return
	}
	r.apply(ctx, stub.Key, delta, stub.TTL)
}

func (r *Reconciler) refundAll(ctx context.Context, receipt *admission.Receipt) {
	for _, stub := range []*admission.ReserveStub{receipt.Budget, receipt.TokensMinute, receipt.TokensDay} {
		if stub == nil || stub.Amount == 0 {
			continue
		}
		r.apply(ctx, stub.Key, -stub.Amount, stub.TTL)
	}
}

// apply writes one delta with the same bounded retry the admission refund
// path uses. A permanent failure over-counts the window until it expires.
func (r *Reconciler) apply(ctx context.Context, key string, delta int64, ttl time.Duration) {
	err := retry.Do(ctx, &retry.Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, func(ctx context.Context) error {
		_, err := r.cache.IncrBy(ctx, key, delta, ttl)
		return err
	}, retry.Any)
	if err != nil {
		adjustFailures.Inc()
		r.logger.Warn("Usage adjustment failed",
			zap.String("key", key),
			zap.Int64("delta", delta),
			zap.Error(err))
	}
}
