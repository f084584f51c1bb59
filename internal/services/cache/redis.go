package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// budgetScript reserves Amount against Limit. The increment and the bound
// check happen in one script so concurrent reservations cannot both land
// under the limit and overshoot together.
var budgetScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if limit > 0 and current + amount > limit then
  return {0, current}
end
local new = redis.call('INCRBY', KEYS[1], amount)
if ttl > 0 and redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return {1, new}
`)

// rateScript counts one request in a fixed window. Rejected requests are not
// counted, so a saturated window does not extend itself.
var rateScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local allowed = 0
if limit <= 0 or current + 1 <= limit then
  current = redis.call('INCR', KEYS[1])
  allowed = 1
  if redis.call('TTL', KEYS[1]) < 0 then
    redis.call('EXPIRE', KEYS[1], window)
  end
end
local reset = redis.call('TTL', KEYS[1])
if reset < 0 then reset = window end
return {allowed, current, reset}
`)

// incrScript applies a delta, creating the key and its TTL when absent. Used
// for refunds and reconciliation, which must not reset an existing expiry.
var incrScript = redis.NewScript(`
local new = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return new
`)

type RedisConfig struct {
	Client    *redis.Client
	KeyPrefix string
	Logger    *zap.Logger
}

type RedisCache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisCache(cfg *RedisConfig) *RedisCache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client: cfg.Client,
		prefix: cfg.KeyPrefix,
		logger: logger.Named("cache"),
	}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + k
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrUnavailable, key, err)
	}
	return ok, nil
}

func (c *RedisCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := incrScript.Run(ctx, c.client, []string{c.key(key)}, delta, int(ttl/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: incrby %s: %v", ErrUnavailable, key, err)
	}
	return res, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// CheckLimitsBatch dispatches every op in one pipelined round-trip. A
// NOSCRIPT response (fresh or restarted redis) loads the scripts and retries
// the whole batch once.
func (c *RedisCache) CheckLimitsBatch(ctx context.Context, budget []BudgetOp, rate []RateOp) (*BatchResult, error) {
	result, missing, err := c.execBatch(ctx, budget, rate)
	if err != nil {
		return nil, err
	}
	if missing {
		if err := c.loadScripts(ctx); err != nil {
			return nil, fmt.Errorf("%w: loading limit scripts: %v", ErrUnavailable, err)
		}
		result, missing, err = c.execBatch(ctx, budget, rate)
		if err != nil {
			return nil, err
		}
		if missing {
			return nil, fmt.Errorf("%w: limit scripts not loadable", ErrUnavailable)
		}
	}
	return result, nil
}

func (c *RedisCache) loadScripts(ctx context.Context) error {
	for _, s := range []*redis.Script{budgetScript, rateScript, incrScript} {
		if err := s.Load(ctx, c.client).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisCache) execBatch(ctx context.Context, budget []BudgetOp, rate []RateOp) (*BatchResult, bool, error) {
	pipe := c.client.Pipeline()

	budgetCmds := make([]*redis.Cmd, len(budget))
	for i, op := range budget {
		budgetCmds[i] = budgetScript.EvalSha(ctx, pipe,
			[]string{c.key(op.Key)}, op.Amount, op.Limit, int(op.TTL/time.Second))
	}
	rateCmds := make([]*redis.Cmd, len(rate))
	for i, op := range rate {
		rateCmds[i] = rateScript.EvalSha(ctx, pipe,
			[]string{c.key(op.Key)}, op.Limit, op.WindowSecs)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		if redis.HasErrorPrefix(err, "NOSCRIPT") {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("%w: limits batch: %v", ErrUnavailable, err)
	}

	result := &BatchResult{
		Budget: make([]BudgetResult, len(budget)),
		Rate:   make([]RateResult, len(rate)),
	}
	for i, cmd := range budgetCmds {
		vals, err := scriptInts(cmd, 2)
		if err != nil {
			return nil, false, err
		}
		result.Budget[i] = BudgetResult{
			Allowed:      vals[0] == 1,
			CurrentSpend: vals[1],
		}
	}
	for i, cmd := range rateCmds {
		vals, err := scriptInts(cmd, 3)
		if err != nil {
			return nil, false, err
		}
		result.Rate[i] = RateResult{
			Allowed:   vals[0] == 1,
			Current:   vals[1],
			ResetSecs: int(vals[2]),
		}
	}
	return result, false, nil
}

func scriptInts(cmd *redis.Cmd, n int) ([]int64, error) {
	val, err := cmd.Result()
	if err != nil {
		if redis.HasErrorPrefix(err, "NOSCRIPT") {
			return nil, fmt.Errorf("%w: script vanished mid-batch", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: limit op: %v", ErrUnavailable, err)
	}
	arr, ok := val.([]interface{})
	if !ok || len(arr) < n {
		return nil, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, val)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		iv, ok := arr[i].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected script reply element %v", ErrUnavailable, arr[i])
		}
		out[i] = iv
	}
	return out, nil
}
