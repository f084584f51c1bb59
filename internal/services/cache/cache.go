package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transport or script failures. Admission treats it as
// fatal for the request: limits that cannot be checked are not waved through.
var ErrUnavailable = errors.New("cache unavailable")

// BudgetOp is a conditional reservation: increment Key by Amount only if the
// result stays within Limit. A Limit of zero means unbounded (counted, never
// rejected).
type BudgetOp struct {
	Key    string
	Amount int64
	Limit  int64
	TTL    time.Duration
}

// BudgetResult reports one BudgetOp. CurrentSpend is the post-increment value
// when allowed; when rejected it is the untouched pre-existing value.
type BudgetResult struct {
	Allowed      bool
	CurrentSpend int64
}

// RateOp is a fixed-window counter check: count one request against Key if
// the window still has room. A Limit of zero means unbounded.
type RateOp struct {
	Key        string
	Limit      int64
	WindowSecs int
}

type RateResult struct {
	Allowed   bool
	Current   int64
	ResetSecs int
}

// BatchResult carries per-op outcomes in submission order.
type BatchResult struct {
	Budget []BudgetResult
	Rate   []RateResult
}

// Cache is the shared counter and KV capability behind admission, key
// caching and the warning ledger. Implementations must make each batch op
// individually atomic; the batch as a whole is not transactional and ops
// after a rejected one still execute.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	CheckLimitsBatch(ctx context.Context, budget []BudgetOp, rate []RateOp) (*BatchResult, error)
	Ping(ctx context.Context) error
}
