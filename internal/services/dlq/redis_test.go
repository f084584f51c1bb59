package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisStore_MaxEntriesDropsOldest(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(&RedisConfig{
		Client: client, MaxEntries: 3, Logger: zap.NewNop(),
	})
	entries := seed(t, s, 5)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, e := range entries[:2] {
		_, err := s.Get(ctx, e.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		// entry blobs are deleted along with their index members
		assert.False(t, mr.Exists("dlq:entry:"+e.ID.String()))
	}
	for _, e := range entries[2:] {
		_, err := s.Get(ctx, e.ID)
		assert.NoError(t, err)
	}
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(&RedisConfig{
		Client: client, KeyPrefix: "hadrian:", Logger: zap.NewNop(),
	})

	e := &Entry{Type: TypeUsageLog, Payload: json.RawMessage(`{}`)}
	require.NoError(t, s.Push(ctx, e))

	assert.True(t, mr.Exists("hadrian:dlq:index"))
	assert.True(t, mr.Exists("hadrian:dlq:entry:"+e.ID.String()))
}

func TestRedisStore_PopSkipsVanishedEntries(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(&RedisConfig{Client: client, Logger: zap.NewNop()})
	entries := seed(t, s, 2)

	// simulate a lost blob: index member with no entry key
	mr.Del("dlq:entry:" + entries[0].ID.String())

	e, ok, err := s.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries[1].ID, e.ID)
}

func TestRedisStore_ListSpansChunks(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStore(&RedisConfig{Client: client, Logger: zap.NewNop()})

	// two entry types interleaved across more than one scan chunk
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	total := listChunkSize + 50
	var audits int
	for i := 0; i < total; i++ {
		entryType := TypeUsageLog
		if i%10 == 0 {
			entryType = TypeAuditLog
			audits++
		}
		require.NoError(t, s.Push(ctx, &Entry{
			Type:      entryType,
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	page, err := s.List(ctx, ListParams{Type: TypeAuditLog, Limit: audits})
	require.NoError(t, err)
	assert.Len(t, page.Entries, audits)
	assert.False(t, page.HasMore)
	for _, e := range page.Entries {
		assert.Equal(t, TypeAuditLog, e.Type)
	}
}
