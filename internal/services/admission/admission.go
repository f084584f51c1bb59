package admission

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/retry"
)

// MicrocentsPerCent converts configured cent amounts to the stored unit.
// Spend is tracked in microcents so sub-cent token prices never round to zero.
const MicrocentsPerCent = 10_000

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_admission_decisions_total",
			Help: "Admission outcomes by decision",
		},
		[]string{"decision"},
	)

	refundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hadrian_admission_refund_failures_total",
		Help: "Reservation refunds abandoned after exhausting retries",
	})
)

// ReserveStub identifies one granted reservation so it can later be adjusted
// or refunded.
type ReserveStub struct {
	Key    string        `json:"key"`
	Amount int64         `json:"amount"`
	TTL    time.Duration `json:"ttl"`
}

// Receipt carries the reservations granted for one admitted request. The
// reconciler consumes it exactly once.
type Receipt struct {
	Budget       *ReserveStub
	TokensMinute *ReserveStub
	TokensDay    *ReserveStub

	consumed atomic.Bool
}

// Consume claims the receipt; only the first caller gets true.
func (r *Receipt) Consume() bool {
	return r.consumed.CompareAndSwap(false, true)
}

type RejectionKind string

const (
	RejectBudget    RejectionKind = "budget_exceeded"
	RejectRateLimit RejectionKind = "rate_limit_exceeded"
)

// BudgetStatus reports the spend window a decision was made against.
type BudgetStatus struct {
	LimitMicrocents int64
	SpendMicrocents int64
	UsedPercent     float64
	Period          models.BudgetPeriod
	Bucket          string
	Warning         bool
}

// RateStatus is a window snapshot for response headers.
type RateStatus struct {
	Scope     string
	Limit     int64
	Remaining int64
	ResetSecs int
}

const (
	ScopeTokensMinute   = "tokens_minute"
	ScopeTokensDay      = "tokens_day"
	ScopeRequestsMinute = "requests_minute"
	ScopeRequestsDay    = "requests_day"
)

// Decision is the admission outcome. Rejections carry the failing window so
// the gateway can shape the response; admissions carry the receipt.
type Decision struct {
	Allowed        bool
	Reason         RejectionKind
	RetryAfterSecs int
	Budget         *BudgetStatus
	Rates          []RateStatus
	Receipt        *Receipt
}

// Request describes the principal being admitted. Pointer fields are per-key
// overrides: nil falls back to the global config, an explicit zero disables
// that check.
type Request struct {
	PrincipalID string
	// ActorType labels audit events; empty means "api_key".
	ActorType string

	BudgetLimitCents *int64
	BudgetPeriod     *models.BudgetPeriod
	TPM              *int64
	RPM              *int64

	// EstimatedCostCents and EstimatedTokens are the pipeline's estimates;
	// zero falls back to the configured defaults.
	EstimatedCostCents int64
	EstimatedTokens    int64

	// RequestID and IP flow into audit events only.
	RequestID string
	IP        string
}

func (r *Request) actorType() string {
	if r.ActorType == "" {
		return "api_key"
	}
	return r.ActorType
}

// AuditRecorder is the slice of the audit logger the controller needs.
type AuditRecorder interface {
	Record(event *audit.Event)
}

// Controller reserves budget and rate capacity for a request in one batched
// cache call, refunding partial reservations when a later check fails.
type Controller struct {
	cache  cache.Cache
	limits config.LimitsConfig
	audit  AuditRecorder
	logger *zap.Logger
}

type ControllerConfig struct {
	Cache  cache.Cache
	Limits config.LimitsConfig
	Audit  AuditRecorder
	Logger *zap.Logger
}

func NewController(cfg *ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cache:  cfg.Cache,
		limits: cfg.Limits,
		audit:  cfg.Audit,
		logger: logger.Named("admission"),
	}
}

type opKind int

const (
	opBudget opKind = iota
	opTokensMinute
	opTokensDay
	opRequestsMinute
	opRequestsDay
)

// plan is the ordered op set for one request. Budget-type ops reserve and
// may need refunds; rate ops only count.
type plan struct {
	budgetOps   []cache.BudgetOp
	budgetKinds []opKind
	rateOps     []cache.RateOp
	rateKinds   []opKind

	budget *BudgetStatus
}

func (c *Controller) buildPlan(req *Request, now time.Time) *plan {
	p := &plan{}

	if c.limits.Budgets.Enabled {
		limitCents := c.limits.Budgets.DefaultLimitCents
		if req.BudgetLimitCents != nil {
			limitCents = *req.BudgetLimitCents
		}
		if limitCents > 0 {
			period := models.BudgetPeriod(c.limits.Budgets.Period)
			if req.BudgetPeriod != nil {
				period = *req.BudgetPeriod
			}
			costCents := req.EstimatedCostCents
			if costCents <= 0 {
				costCents = c.limits.Budgets.EstimatedCostCents
			}
			bucket := PeriodBucket(period, now)
			p.budget = &BudgetStatus{
				LimitMicrocents: limitCents * MicrocentsPerCent,
				Period:          period,
				Bucket:          bucket,
			}
			p.budgetOps = append(p.budgetOps, cache.BudgetOp{
				Key:    cache.SpendKey(req.PrincipalID, bucket),
				Amount: costCents * MicrocentsPerCent,
				Limit:  limitCents * MicrocentsPerCent,
				TTL:    PeriodTTL(period, now),
			})
			p.budgetKinds = append(p.budgetKinds, opBudget)
		}
	}

	if c.limits.RateLimits.Enabled {
		tokens := req.EstimatedTokens
		if tokens <= 0 {
			tokens = c.limits.RateLimits.EstimatedTokensPerRequest
		}

		tpm := c.limits.RateLimits.TokensPerMinute
		if req.TPM != nil {
			tpm = *req.TPM
		}
		if tpm > 0 {
			p.budgetOps = append(p.budgetOps, cache.BudgetOp{
				Key:    cache.TokenWindowKey(req.PrincipalID, "minute"),
				Amount: tokens,
				Limit:  tpm,
				TTL:    time.Minute,
			})
			p.budgetKinds = append(p.budgetKinds, opTokensMinute)
		}

		if tpd := c.limits.RateLimits.TokensPerDay; tpd > 0 {
			p.budgetOps = append(p.budgetOps, cache.BudgetOp{
				Key:    cache.TokenWindowKey(req.PrincipalID, "day"),
				Amount: tokens,
				Limit:  tpd,
				TTL:    24 * time.Hour,
			})
			p.budgetKinds = append(p.budgetKinds, opTokensDay)
		}

		rpm := c.limits.RateLimits.RequestsPerMinute
		if req.RPM != nil {
			rpm = *req.RPM
		}
		if rpm > 0 {
			p.rateOps = append(p.rateOps, cache.RateOp{
				Key:        cache.RequestWindowKey(req.PrincipalID, "minute"),
				Limit:      rpm,
				WindowSecs: 60,
			})
			p.rateKinds = append(p.rateKinds, opRequestsMinute)
		}

		if rpd := c.limits.RateLimits.RequestsPerDay; rpd > 0 {
			p.rateOps = append(p.rateOps, cache.RateOp{
				Key:        cache.RequestWindowKey(req.PrincipalID, "day"),
				Limit:      rpd,
				WindowSecs: 86400,
			})
			p.rateKinds = append(p.rateKinds, opRequestsDay)
		}
	}

	return p
}

// Check admits or rejects the request with a single batched cache call.
func (c *Controller) Check(ctx context.Context, req *Request) (*Decision, error) {
	now := time.Now().UTC()
	p := c.buildPlan(req, now)

	if len(p.budgetOps) == 0 && len(p.rateOps) == 0 {
		decisionsTotal.WithLabelValues("allowed").Inc()
		return &Decision{Allowed: true, Receipt: &Receipt{}}, nil
	}

	results, err := c.cache.CheckLimitsBatch(ctx, p.budgetOps, p.rateOps)
	if err != nil {
		decisionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("admission check failed: %w", err)
	}

	// first non-allowed result in op order decides
	for i, res := range results.Budget {
		if !res.Allowed {
			return c.reject(ctx, req, p, results, p.budgetKinds[i], i, now), nil
		}
	}
	for i, res := range results.Rate {
		if !res.Allowed {
			return c.reject(ctx, req, p, results, p.rateKinds[i], len(results.Budget)+i, now), nil
		}
	}

	return c.admit(ctx, req, p, results, now), nil
}

func (c *Controller) admit(ctx context.Context, req *Request, p *plan, results *cache.BatchResult, now time.Time) *Decision {
	decision := &Decision{Allowed: true, Receipt: &Receipt{}}

	for i, kind := range p.budgetKinds {
		op := p.budgetOps[i]
		stub := &ReserveStub{Key: op.Key, Amount: op.Amount, TTL: op.TTL}
		switch kind {
		case opBudget:
			decision.Receipt.Budget = stub
			p.budget.SpendMicrocents = results.Budget[i].CurrentSpend
			p.budget.UsedPercent = usedPercent(p.budget.SpendMicrocents, p.budget.LimitMicrocents)
			decision.Budget = p.budget
		case opTokensMinute:
			decision.Receipt.TokensMinute = stub
			decision.Rates = append(decision.Rates, RateStatus{
				Scope:     ScopeTokensMinute,
				Limit:     op.Limit,
				Remaining: remaining(op.Limit, results.Budget[i].CurrentSpend),
				ResetSecs: 60,
			})
		case opTokensDay:
			decision.Receipt.TokensDay = stub
			decision.Rates = append(decision.Rates, RateStatus{
				Scope:     ScopeTokensDay,
				Limit:     op.Limit,
				Remaining: remaining(op.Limit, results.Budget[i].CurrentSpend),
				ResetSecs: 86400,
			})
		}
	}
	for i, kind := range p.rateKinds {
		op := p.rateOps[i]
		scope := ScopeRequestsMinute
		if kind == opRequestsDay {
			scope = ScopeRequestsDay
		}
		decision.Rates = append(decision.Rates, RateStatus{
			Scope:     scope,
			Limit:     op.Limit,
			Remaining: remaining(op.Limit, results.Rate[i].Current),
			ResetSecs: results.Rate[i].ResetSecs,
		})
	}

	if decision.Budget != nil {
		c.checkWarning(ctx, req, decision.Budget, now)
	}

	decisionsTotal.WithLabelValues("allowed").Inc()
	return decision
}

func (c *Controller) reject(ctx context.Context, req *Request, p *plan, results *cache.BatchResult, failed opKind, failedPos int, now time.Time) *Decision {
	decision := &Decision{Allowed: false}

	switch failed {
	case opBudget:
		decision.Reason = RejectBudget
		p.budget.SpendMicrocents = results.Budget[0].CurrentSpend
		p.budget.UsedPercent = usedPercent(p.budget.SpendMicrocents, p.budget.LimitMicrocents)
		decision.Budget = p.budget
		c.recordExceeded(ctx, req, p.budget, now)
	case opTokensMinute, opTokensDay:
		decision.Reason = RejectRateLimit
		idx := indexOf(p.budgetKinds, failed)
		op := p.budgetOps[idx]
		reset := 60
		scope := ScopeTokensMinute
		if failed == opTokensDay {
			reset = 86400
			scope = ScopeTokensDay
		}
		decision.RetryAfterSecs = reset
		decision.Rates = []RateStatus{{
			Scope:     scope,
			Limit:     op.Limit,
			Remaining: remaining(op.Limit, results.Budget[idx].CurrentSpend),
			ResetSecs: reset,
		}}
	case opRequestsMinute, opRequestsDay:
		decision.Reason = RejectRateLimit
		idx := indexOf(p.rateKinds, failed)
		op := p.rateOps[idx]
		scope := ScopeRequestsMinute
		if failed == opRequestsDay {
			scope = ScopeRequestsDay
		}
		res := results.Rate[idx]
		decision.RetryAfterSecs = res.ResetSecs
		decision.Rates = []RateStatus{{
			Scope:     scope,
			Limit:     op.Limit,
			Remaining: remaining(op.Limit, res.Current),
			ResetSecs: res.ResetSecs,
		}}
	}

	// every reserve op granted before the failed one is handed back,
	// nearest first; request-rate counters are never refunded
	for i := min(failedPos, len(p.budgetOps)) - 1; i >= 0; i-- {
		op := p.budgetOps[i]
		c.refund(ctx, op.Key, op.Amount, op.TTL)
	}

	decisionsTotal.WithLabelValues(string(decision.Reason)).Inc()
	return decision
}

// refund hands a reservation back. Failures burn down a short retry budget;
// a permanent failure leaves the counter high until the window expires, which
// over-throttles rather than over-admits.
func (c *Controller) refund(ctx context.Context, key string, amount int64, ttl time.Duration) {
	err := retry.Do(ctx, &retry.Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, func(ctx context.Context) error {
		_, err := c.cache.IncrBy(ctx, key, -amount, ttl)
		return err
	}, retry.Any)
	if err != nil {
		refundFailures.Inc()
		c.logger.Error("Refund failed permanently",
			zap.String("key", key),
			zap.Int64("amount", amount),
			zap.Error(err))
	}
}

// checkWarning flags budgets crossing the warning threshold and writes the
// audit event once per key and period.
func (c *Controller) checkWarning(ctx context.Context, req *Request, budget *BudgetStatus, now time.Time) {
	threshold := c.limits.Budgets.WarningThreshold
	if threshold <= 0 || budget.LimitMicrocents == 0 {
		return
	}
	if float64(budget.SpendMicrocents) < threshold*float64(budget.LimitMicrocents) {
		return
	}
	budget.Warning = true

	if c.audit == nil {
		return
	}
	ttl := timeToPeriodEnd(budget.Period, now)
	won, err := c.cache.SetIfAbsent(ctx, cache.BudgetWarningKey(req.PrincipalID, budget.Bucket), "1", ttl)
	if err != nil {
		c.logger.Warn("Budget warning dedup check failed", zap.Error(err))
		return
	}
	if !won {
		return
	}
	c.audit.Record(&audit.Event{
		Type:         models.AuditBudgetWarning,
		ActorType:    req.actorType(),
		ActorID:      req.PrincipalID,
		ResourceType: "budget",
		ResourceID:   budget.Bucket,
		Decision:     "allowed",
		Reason:       fmt.Sprintf("spend at %.0f%% of budget", budget.UsedPercent),
		IP:           req.IP,
		RequestID:    req.RequestID,
		Metadata: map[string]interface{}{
			"spend_microcents": budget.SpendMicrocents,
			"limit_microcents": budget.LimitMicrocents,
			"period":           string(budget.Period),
		},
	})
}

// recordExceeded writes the rejection audit event once per key and period;
// repeat rejections inside the same window stay out of the audit table.
func (c *Controller) recordExceeded(ctx context.Context, req *Request, budget *BudgetStatus, now time.Time) {
	if c.audit == nil {
		return
	}
	ttl := timeToPeriodEnd(budget.Period, now)
	won, err := c.cache.SetIfAbsent(ctx, cache.BudgetExceededKey(req.PrincipalID, budget.Bucket), "1", ttl)
	if err != nil {
		c.logger.Warn("Budget exceeded dedup check failed", zap.Error(err))
		return
	}
	if !won {
		return
	}
	c.audit.Record(&audit.Event{
		Type:         models.AuditBudgetExceeded,
		ActorType:    req.actorType(),
		ActorID:      req.PrincipalID,
		ResourceType: "budget",
		ResourceID:   budget.Bucket,
		Decision:     "rejected",
		Reason:       "budget exhausted",
		IP:           req.IP,
		RequestID:    req.RequestID,
		Metadata: map[string]interface{}{
			"spend_microcents": budget.SpendMicrocents,
			"limit_microcents": budget.LimitMicrocents,
			"period":           string(budget.Period),
		},
	})
}

// timeToPeriodEnd is the warning ledger TTL: unlike reservation TTLs it runs
// to the period boundary so the flag resets exactly when the window does.
func timeToPeriodEnd(period models.BudgetPeriod, now time.Time) time.Duration {
	now = now.UTC()
	var end time.Time
	switch period {
	case models.BudgetPeriodDaily:
		end = time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	case models.BudgetPeriodWeekly:
		end = time.Date(now.Year(), now.Month(), now.Day()+(8-isoWeekday(now)), 0, 0, 0, 0, time.UTC)
	default:
		end = time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
	return end.Sub(now)
}

func usedPercent(spend, limit int64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(spend) / float64(limit) * 100
}

func remaining(limit, current int64) int64 {
	if r := limit - current; r > 0 {
		return r
	}
	return 0
}

func indexOf(kinds []opKind, kind opKind) int {
	for i, k := range kinds {
		if k == kind {
			return i
		}
	}
	return -1
}
