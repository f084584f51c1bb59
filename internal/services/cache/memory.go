package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache serves tests and single-node deployments. go-cache handles TTL
// bookkeeping; the outer mutex supplies the read-modify-write atomicity the
// limit ops need. Semantics match RedisCache observably.
type MemoryCache struct {
	mu    sync.Mutex
	store *gocache.Cache
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		store: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key)
}

func (c *MemoryCache) get(key string) (string, bool, error) {
	val, found := c.store.Get(key)
	if !found {
		return "", false, nil
	}
	s, _ := val.(string)
	return s, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Set(key, value, expiry(ttl))
	return nil
}

func (c *MemoryCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.store.Get(key); found {
		return false, nil
	}
	c.store.Set(key, value, expiry(ttl))
	return true, nil
}

func (c *MemoryCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incrLocked(key, delta, ttl), nil
}

// incrLocked adds delta, creating the key with ttl when absent and keeping
// the remaining expiry when present.
func (c *MemoryCache) incrLocked(key string, delta int64, ttl time.Duration) int64 {
	current, remaining, found := c.current(key)
	next := current + delta
	if found {
		c.store.Set(key, strconv.FormatInt(next, 10), remaining)
	} else {
		c.store.Set(key, strconv.FormatInt(next, 10), expiry(ttl))
	}
	return next
}

// current returns the key's integer value and its remaining TTL
// (gocache.NoExpiration when the entry does not expire).
func (c *MemoryCache) current(key string) (int64, time.Duration, bool) {
	val, exp, found := c.store.GetWithExpiration(key)
	if !found {
		return 0, 0, false
	}
	s, _ := val.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	if exp.IsZero() {
		return n, gocache.NoExpiration, true
	}
	return n, time.Until(exp), true
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Delete(key)
	return nil
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *MemoryCache) CheckLimitsBatch(ctx context.Context, budget []BudgetOp, rate []RateOp) (*BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &BatchResult{
		Budget: make([]BudgetResult, len(budget)),
		Rate:   make([]RateResult, len(rate)),
	}

	for i, op := range budget {
		current, _, _ := c.current(op.Key)
		if op.Limit > 0 && current+op.Amount > op.Limit {
			result.Budget[i] = BudgetResult{Allowed: false, CurrentSpend: current}
			continue
		}
		next := c.incrLocked(op.Key, op.Amount, op.TTL)
		result.Budget[i] = BudgetResult{Allowed: true, CurrentSpend: next}
	}

	for i, op := range rate {
		window := time.Duration(op.WindowSecs) * time.Second
		current, remaining, found := c.current(op.Key)
		if op.Limit > 0 && current+1 > op.Limit {
			reset := op.WindowSecs
			if found && remaining > 0 {
				reset = int(remaining / time.Second)
			}
			result.Rate[i] = RateResult{Allowed: false, Current: current, ResetSecs: reset}
			continue
		}
		next := c.incrLocked(op.Key, 1, window)
		_, remaining, _ = c.current(op.Key)
		reset := op.WindowSecs
		if remaining > 0 {
			reset = int(remaining / time.Second)
		}
		result.Rate[i] = RateResult{Allowed: true, Current: next, ResetSecs: reset}
	}

	return result, nil
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}
