package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupFileStore(t *testing.T) Store {
	t.Helper()
	s, err := NewFileStore(&FileConfig{Dir: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	return s
}

func setupRedisStore(t *testing.T) Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(&RedisConfig{Client: client, Logger: zap.NewNop()})
}

// runs the shared suite against the file and redis backends; the database
// backend is covered by the integration test
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("file", func(t *testing.T) {
		fn(t, setupFileStore(t))
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, setupRedisStore(t))
	})
}

// seed pushes n entries one millisecond apart, oldest first, and returns
// them in push order.
func seed(t *testing.T, s Store, n int) []*Entry {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := make([]*Entry, n)
	for i := 0; i < n; i++ {
		e := &Entry{
			Type:      TypeUsageLog,
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			Error:     "boom",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.Push(context.Background(), e))
		entries[i] = e
	}
	return entries
}

func TestCursorRoundTrip(t *testing.T) {
	e := &Entry{
		ID:        uuid.New(),
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123e6, time.UTC),
	}
	cur, err := decodeCursor(encodeCursor(e))
	require.NoError(t, err)
	assert.Equal(t, e.ID, cur.id)
	assert.True(t, cur.ts.Equal(e.CreatedAt))
}

func TestCursorMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not base64":    "???",
		"no separator":  "MTIzNDU",
		"bad timestamp": "YWJjOjAxOTRiY2Rl",
		"bad uuid":      "MTcwOTI5NDQwMDAwMDpub3QtYS11dWlk",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeCursor(raw)
			assert.ErrorIs(t, err, ErrBadCursor)
		})
	}
}

func TestStore_PushAssignsDefaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		e := &Entry{Type: TypeAuditLog, Payload: json.RawMessage(`{}`)}
		require.NoError(t, s.Push(ctx, e))

		assert.NotEqual(t, uuid.Nil, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
		// stored timestamps are utc at millisecond precision
		assert.Equal(t, time.UTC, e.CreatedAt.Location())
		assert.Zero(t, e.CreatedAt.Nanosecond()%1e6)

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, TypeAuditLog, got.Type)
		assert.True(t, got.CreatedAt.Equal(e.CreatedAt))
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RemoveIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entries := seed(t, s, 1)

		require.NoError(t, s.Remove(ctx, entries[0].ID))
		require.NoError(t, s.Remove(ctx, entries[0].ID))
		require.NoError(t, s.Remove(ctx, uuid.New()))

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_MarkRetried(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entries := seed(t, s, 1)

		require.NoError(t, s.MarkRetried(ctx, entries[0].ID, "first failure"))
		require.NoError(t, s.MarkRetried(ctx, entries[0].ID, "second failure"))

		got, err := s.Get(ctx, entries[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.RetryCount)
		assert.Equal(t, "second failure", got.Error)
		require.NotNil(t, got.LastRetryAt)
		assert.WithinDuration(t, time.Now(), *got.LastRetryAt, time.Minute)
		// creation time is immutable, ordering must not shift
		assert.True(t, got.CreatedAt.Equal(entries[0].CreatedAt))

		assert.ErrorIs(t, s.MarkRetried(ctx, uuid.New(), "x"), ErrNotFound)
	})
}

func TestStore_PopOldestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entries := seed(t, s, 3)

		for i := 0; i < 3; i++ {
			e, ok, err := s.Pop(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, entries[i].ID, e.ID)
		}

		_, ok, err := s.Pop(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_ListFirstPage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entries := seed(t, s, 5)

		page, err := s.List(ctx, ListParams{Limit: 3})
		require.NoError(t, err)
		require.Len(t, page.Entries, 3)
		assert.True(t, page.HasMore)

		// newest first
		assert.Equal(t, entries[4].ID, page.Entries[0].ID)
		assert.Equal(t, entries[3].ID, page.Entries[1].ID)
		assert.Equal(t, entries[2].ID, page.Entries[2].ID)
		assert.NotEmpty(t, page.NextCursor)
		assert.NotEmpty(t, page.PrevCursor)
	})
}

func TestStore_ListForwardWalk(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entries := seed(t, s, 7)

		var seen []uuid.UUID
		cursor := ""
		for {
			page, err := s.List(ctx, ListParams{Limit: 3, Cursor: cursor})
			require.NoError(t, err)
			for _, e := range page.Entries {
				seen = append(seen, e.ID)
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}

		// every entry exactly once, newest to oldest
		require.Len(t, seen, 7)
		for i, id := range seen {
			assert.Equal(t, entries[6-i].ID, id)
		}
	})
}

func TestStore_ListBackward(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entries := seed(t, s, 9)

		first, err := s.List(ctx, ListParams{Limit: 3})
		require.NoError(t, err)
		second, err := s.List(ctx, ListParams{Limit: 3, Cursor: first.NextCursor})
		require.NoError(t, err)
		require.Len(t, second.Entries, 3)

		// backward from the second page reproduces the first page
		back, err := s.List(ctx, ListParams{
			Limit:     3,
			Cursor:    second.PrevCursor,
			Direction: DirectionBackward,
		})
		require.NoError(t, err)
		require.Len(t, back.Entries, 3)
		for i := range first.Entries {
			assert.Equal(t, first.Entries[i].ID, back.Entries[i].ID)
		}
		// nothing newer than the newest page
		assert.False(t, back.HasMore)

		// backward limited to 2 keeps the entries nearest the cursor
		near, err := s.List(ctx, ListParams{
			Limit:     2,
			Cursor:    second.PrevCursor,
			Direction: DirectionBackward,
		})
		require.NoError(t, err)
		require.Len(t, near.Entries, 2)
		assert.Equal(t, entries[7].ID, near.Entries[0].ID)
		assert.Equal(t, entries[6].ID, near.Entries[1].ID)
		assert.True(t, near.HasMore)
	})
}

func TestStore_ListSameTimestampTiebreak(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		ids := []uuid.UUID{
			uuid.MustParse("00000000-0000-0000-0000-000000000001"),
			uuid.MustParse("00000000-0000-0000-0000-000000000002"),
			uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		}
		for _, id := range ids {
			require.NoError(t, s.Push(ctx, &Entry{
				ID: id, Type: TypeWebhook, CreatedAt: ts,
				Payload: json.RawMessage(`{}`),
			}))
		}

		page, err := s.List(ctx, ListParams{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Entries, 2)
		assert.Equal(t, ids[2], page.Entries[0].ID)
		assert.Equal(t, ids[1], page.Entries[1].ID)
		assert.True(t, page.HasMore)

		next, err := s.List(ctx, ListParams{Limit: 2, Cursor: page.NextCursor})
		require.NoError(t, err)
		require.Len(t, next.Entries, 1)
		assert.Equal(t, ids[0], next.Entries[0].ID)
		assert.False(t, next.HasMore)
	})
}

func TestStore_ListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.Push(ctx, &Entry{
			Type: TypeUsageLog, CreatedAt: base, Payload: json.RawMessage(`{}`),
		}))
		require.NoError(t, s.Push(ctx, &Entry{
			Type: TypeAuditLog, CreatedAt: base.Add(time.Millisecond),
			Payload: json.RawMessage(`{}`),
		}))
		require.NoError(t, s.Push(ctx, &Entry{
			Type: TypeUsageLog, RetryCount: 5,
			CreatedAt: base.Add(2 * time.Millisecond), Payload: json.RawMessage(`{}`),
		}))

		byType, err := s.List(ctx, ListParams{Type: TypeAuditLog})
		require.NoError(t, err)
		require.Len(t, byType.Entries, 1)
		assert.Equal(t, TypeAuditLog, byType.Entries[0].Type)

		// retry filter drops the exhausted entry
		retryable, err := s.List(ctx, ListParams{MaxRetryCount: 5})
		require.NoError(t, err)
		assert.Len(t, retryable.Entries, 2)
	})
}

func TestStore_ListBadCursor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.List(context.Background(), ListParams{Cursor: "!!bogus!!"})
		assert.ErrorIs(t, err, ErrBadCursor)
	})
}

func TestStore_Prune(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		old := &Entry{
			Type:      TypeUsageLog,
			CreatedAt: time.Now().Add(-48 * time.Hour),
			Payload:   json.RawMessage(`{}`),
		}
		exhausted := &Entry{
			Type:       TypeUsageLog,
			RetryCount: 9,
			CreatedAt:  time.Now(),
			Payload:    json.RawMessage(`{}`),
		}
		fresh := &Entry{
			Type:      TypeUsageLog,
			CreatedAt: time.Now(),
			Payload:   json.RawMessage(`{}`),
		}
		for _, e := range []*Entry{old, exhausted, fresh} {
			require.NoError(t, s.Push(ctx, e))
		}

		removed, err := s.Prune(ctx, 24*time.Hour, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		_, err = s.Get(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, old.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_PruneRetriesOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		old := &Entry{
			Type:      TypeUsageLog,
			CreatedAt: time.Now().Add(-48 * time.Hour),
			Payload:   json.RawMessage(`{}`),
		}
		exhausted := &Entry{
			Type:       TypeUsageLog,
			RetryCount: 9,
			CreatedAt:  time.Now(),
			Payload:    json.RawMessage(`{}`),
		}
		for _, e := range []*Entry{old, exhausted} {
			require.NoError(t, s.Push(ctx, e))
		}

		// a zero horizon leaves age out of it entirely
		removed, err := s.Prune(ctx, 0, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, err = s.Get(ctx, old.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, exhausted.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// no criteria, no removals
		removed, err = s.Prune(ctx, 0, 0)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestStore_Clear(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s, 4)

		removed, err := s.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), removed)

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_MetadataRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		e := &Entry{
			Type:     TypeWebhook,
			Payload:  json.RawMessage(`{"url":"https://example.com"}`),
			Metadata: map[string]string{"request_id": "req-1", "org": "acme"},
		}
		require.NoError(t, s.Push(ctx, e))

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.Metadata, got.Metadata)
		assert.JSONEq(t, string(e.Payload), string(got.Payload))
	})
}
