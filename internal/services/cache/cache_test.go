package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCache(&RedisConfig{Client: client, Logger: zap.NewNop()}), mr
}

// runs the shared suite against both implementations
func forEachBackend(t *testing.T, fn func(t *testing.T, c Cache)) {
	t.Run("redis", func(t *testing.T) {
		c, _ := setupRedisCache(t)
		fn(t, c)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryCache())
	})
}

func TestCache_GetSetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		_, found, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
		val, found, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "v", val)

		require.NoError(t, c.Delete(ctx, "k"))
		_, found, err = c.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found)

		// deleting an absent key is not an error
		require.NoError(t, c.Delete(ctx, "k"))
	})
}

func TestCache_SetIfAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		won, err := c.SetIfAbsent(ctx, "flag", "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = c.SetIfAbsent(ctx, "flag", "2", time.Minute)
		require.NoError(t, err)
		assert.False(t, won)

		val, _, err := c.Get(ctx, "flag")
		require.NoError(t, err)
		assert.Equal(t, "1", val)
	})
}

func TestCache_IncrBy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		n, err := c.IncrBy(ctx, "counter", 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		n, err = c.IncrBy(ctx, "counter", 3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(8), n)

		// refunds go negative relative to the current value
		n, err = c.IncrBy(ctx, "counter", -8, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}

func TestCheckLimitsBatch_BudgetBoundary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		// exactly at the limit is allowed
		res, err := c.CheckLimitsBatch(ctx, []BudgetOp{
			{Key: "spend:k1:2026-08", Amount: 100, Limit: 100, TTL: time.Hour},
		}, nil)
		require.NoError(t, err)
		require.Len(t, res.Budget, 1)
		assert.True(t, res.Budget[0].Allowed)
		assert.Equal(t, int64(100), res.Budget[0].CurrentSpend)

		// one past the limit is rejected and reports the untouched value
		res, err = c.CheckLimitsBatch(ctx, []BudgetOp{
			{Key: "spend:k1:2026-08", Amount: 1, Limit: 100, TTL: time.Hour},
		}, nil)
		require.NoError(t, err)
		assert.False(t, res.Budget[0].Allowed)
		assert.Equal(t, int64(100), res.Budget[0].CurrentSpend)

		// the rejected op must not have incremented the key
		val, found, err := c.Get(ctx, "spend:k1:2026-08")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "100", val)
	})
}

func TestCheckLimitsBatch_ZeroLimitCountsButNeverRejects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			res, err := c.CheckLimitsBatch(ctx,
				[]BudgetOp{{Key: "spend:free:m", Amount: 1000, Limit: 0, TTL: time.Hour}},
				[]RateOp{{Key: "ratelimit:free:minute", Limit: 0, WindowSecs: 60}})
			require.NoError(t, err)
			assert.True(t, res.Budget[0].Allowed)
			assert.True(t, res.Rate[0].Allowed)
		}

		val, _, err := c.Get(ctx, "spend:free:m")
		require.NoError(t, err)
		assert.Equal(t, "3000", val)
		val, _, err = c.Get(ctx, "ratelimit:free:minute")
		require.NoError(t, err)
		assert.Equal(t, "3", val)
	})
}

func TestCheckLimitsBatch_NoCrossOpRollback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		// first op rejects, later ops still execute and count
		res, err := c.CheckLimitsBatch(ctx, []BudgetOp{
			{Key: "spend:k2:m", Amount: 50, Limit: 10, TTL: time.Hour},
			{Key: "ratelimit:tokens:k2:minute", Amount: 500, Limit: 1000, TTL: time.Minute},
		}, []RateOp{
			{Key: "ratelimit:k2:minute", Limit: 10, WindowSecs: 60},
		})
		require.NoError(t, err)

		assert.False(t, res.Budget[0].Allowed)
		assert.True(t, res.Budget[1].Allowed)
		assert.Equal(t, int64(500), res.Budget[1].CurrentSpend)
		assert.True(t, res.Rate[0].Allowed)
		assert.Equal(t, int64(1), res.Rate[0].Current)

		// the failed op left no residue
		_, found, err := c.Get(ctx, "spend:k2:m")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestCheckLimitsBatch_RateWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache) {
		ctx := context.Background()

		for i := int64(1); i <= 3; i++ {
			res, err := c.CheckLimitsBatch(ctx, nil,
				[]RateOp{{Key: "ratelimit:k3:minute", Limit: 3, WindowSecs: 60}})
			require.NoError(t, err)
			assert.True(t, res.Rate[0].Allowed)
			assert.Equal(t, i, res.Rate[0].Current)
			assert.Greater(t, res.Rate[0].ResetSecs, 0)
		}

		// fourth request in the window is rejected without counting
		res, err := c.CheckLimitsBatch(ctx, nil,
			[]RateOp{{Key: "ratelimit:k3:minute", Limit: 3, WindowSecs: 60}})
		require.NoError(t, err)
		assert.False(t, res.Rate[0].Allowed)
		assert.Equal(t, int64(3), res.Rate[0].Current)

		val, _, err := c.Get(ctx, "ratelimit:k3:minute")
		require.NoError(t, err)
		assert.Equal(t, "3", val)
	})
}

func TestCheckLimitsBatch_TTLOnlySetOnCreate(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()

	_, err := c.CheckLimitsBatch(ctx, []BudgetOp{
		{Key: "spend:k4:m", Amount: 10, Limit: 0, TTL: time.Hour},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("spend:k4:m"))

	// age the key, reserve again: TTL must not be reset to the full hour
	mr.FastForward(30 * time.Minute)
	_, err = c.CheckLimitsBatch(ctx, []BudgetOp{
		{Key: "spend:k4:m", Amount: 10, Limit: 0, TTL: time.Hour},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, mr.TTL("spend:k4:m"))
}

func TestCheckLimitsBatch_WindowExpiryResets(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := c.CheckLimitsBatch(ctx, nil,
			[]RateOp{{Key: "ratelimit:k5:minute", Limit: 2, WindowSecs: 60}})
		require.NoError(t, err)
		assert.True(t, res.Rate[0].Allowed)
	}
	res, err := c.CheckLimitsBatch(ctx, nil,
		[]RateOp{{Key: "ratelimit:k5:minute", Limit: 2, WindowSecs: 60}})
	require.NoError(t, err)
	assert.False(t, res.Rate[0].Allowed)

	mr.FastForward(61 * time.Second)

	res, err = c.CheckLimitsBatch(ctx, nil,
		[]RateOp{{Key: "ratelimit:k5:minute", Limit: 2, WindowSecs: 60}})
	require.NoError(t, err)
	assert.True(t, res.Rate[0].Allowed)
	assert.Equal(t, int64(1), res.Rate[0].Current)
}

func TestRedisCache_KeyPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCache(&RedisConfig{Client: client, KeyPrefix: "gw1:", Logger: zap.NewNop()})
	require.NoError(t, c.Set(context.Background(), "k", "v", 0))

	got, err := mr.Get("gw1:k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestRedisCache_UnavailableFailsClosed(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache(&RedisConfig{Client: client, Logger: zap.NewNop()})

	mr.Close()

	_, err = c.CheckLimitsBatch(context.Background(), []BudgetOp{
		{Key: "spend:k:m", Amount: 1, Limit: 10, TTL: time.Hour},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "spend:abc:2026-08", SpendKey("abc", "2026-08"))
	assert.Equal(t, "ratelimit:abc:minute", RequestWindowKey("abc", "minute"))
	assert.Equal(t, "ratelimit:tokens:abc:day", TokenWindowKey("abc", "day"))
	assert.Equal(t, "apikey:deadbeef", APIKeyKey("deadbeef"))
	assert.Equal(t, "apikey_reverse:id1", APIKeyReverseKey("id1"))
	assert.Equal(t, "budget_warning_logged:id1:2026-08", BudgetWarningKey("id1", "2026-08"))
	assert.Equal(t, "budget_exceeded_logged:id1:2026-08", BudgetExceededKey("id1", "2026-08"))
}
