package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const listChunkSize = 256

// RedisStore keeps each entry as JSON under its own key and maintains a
// sorted-set index scored by creation time in unix milliseconds. Same-score
// members fall back to lexicographic uuid order, which matches the queue's
// (created_at, id) tiebreak, so index rank order is queue order.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	maxEntries int
	logger     *zap.Logger
}

type RedisConfig struct {
	Client     *redis.Client
	KeyPrefix  string
	MaxEntries int
	Logger     *zap.Logger
}

func NewRedisStore(cfg *RedisConfig) *RedisStore {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:     cfg.Client,
		keyPrefix:  cfg.KeyPrefix,
		maxEntries: cfg.MaxEntries,
		logger:     logger.Named("dlq.redis"),
	}
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "dlq:index"
}

func (s *RedisStore) entryKey(id string) string {
	return s.keyPrefix + "dlq:entry:" + id
}

func (s *RedisStore) Push(ctx context.Context, entry *Entry) error {
	entry.normalize()

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}

	id := entry.ID.String()
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.entryKey(id), raw, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(entry.CreatedAt.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dlq entry: %w", err)
	}

	if s.maxEntries > 0 {
		if err := s.trim(ctx); err != nil {
			s.logger.Warn("failed to trim dlq", zap.Error(err))
		}
	}
	return nil
}

func (s *RedisStore) trim(ctx context.Context) error {
	size, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return err
	}
	over := size - int64(s.maxEntries)
	if over <= 0 {
		return nil
	}
	// ranks 0..over-1 are the oldest members
	victims, err := s.client.ZRange(ctx, s.indexKey(), 0, over-1).Result()
	if err != nil {
		return err
	}
	return s.drop(ctx, victims)
}

func (s *RedisStore) drop(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = s.entryKey(id)
	}
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.indexKey(), members...)
	pipe.Del(ctx, keys...)
	_, err := pipe.Exec(ctx)
	return err
}

// Pop claims the oldest entry by removing its index member. A successful
// ZREM is the claim: losing a race to another worker just moves on to the
// next candidate.
func (s *RedisStore) Pop(ctx context.Context) (*Entry, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		ids, err := s.client.ZRange(ctx, s.indexKey(), 0, 0).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to pop dlq entry: %w", err)
		}
		if len(ids) == 0 {
			return nil, false, nil
		}
		id := ids[0]

		claimed, err := s.client.ZRem(ctx, s.indexKey(), id).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to pop dlq entry: %w", err)
		}
		if claimed == 0 {
			continue
		}

		raw, err := s.client.GetDel(ctx, s.entryKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to pop dlq entry: %w", err)
		}

		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("dropping malformed dlq entry", zap.String("id", id))
			continue
		}
		return &e, true, nil
	}
	return nil, false, nil
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(id.String())).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dlq entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.drop(ctx, []string{id.String()}); err != nil {
		return fmt.Errorf("failed to remove dlq entry: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkRetried(ctx context.Context, id uuid.UUID, lastErr string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	e.RetryCount++
	e.LastRetryAt = &now
	e.Error = lastErr

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(id.String()), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to mark dlq entry retried: %w", err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	size, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dlq entries: %w", err)
	}
	return size, nil
}

func (s *RedisStore) Prune(ctx context.Context, olderThan time.Duration, maxRetries int) (int64, error) {
	horizon := time.Now().UTC().Add(-olderThan)
	var removed, kept int64

	for {
		// survivors from earlier chunks occupy ranks 0..kept-1
		ids, err := s.client.ZRange(ctx, s.indexKey(), kept, kept+listChunkSize-1).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to prune dlq: %w", err)
		}
		if len(ids) == 0 {
			return removed, nil
		}

		entries, err := s.fetch(ctx, ids)
		if err != nil {
			return removed, err
		}

		var victims []string
		for i, e := range entries {
			if e == nil {
				victims = append(victims, ids[i])
				continue
			}
			if (olderThan > 0 && e.CreatedAt.Before(horizon)) ||
				(maxRetries > 0 && e.RetryCount >= maxRetries) {
				victims = append(victims, ids[i])
			}
		}
		if err := s.drop(ctx, victims); err != nil {
			return removed, fmt.Errorf("failed to prune dlq: %w", err)
		}
		removed += int64(len(victims))
		kept += int64(len(ids) - len(victims))

		if len(ids) < listChunkSize {
			return removed, nil
		}
	}
}

func (s *RedisStore) Clear(ctx context.Context) (int64, error) {
	var removed int64
	for {
		ids, err := s.client.ZRange(ctx, s.indexKey(), 0, listChunkSize-1).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to clear dlq: %w", err)
		}
		if len(ids) == 0 {
			return removed, nil
		}
		if err := s.drop(ctx, ids); err != nil {
			return removed, fmt.Errorf("failed to clear dlq: %w", err)
		}
		removed += int64(len(ids))
	}
}

// fetch resolves index members to entries, preserving order. Members whose
// entry key has vanished come back nil.
func (s *RedisStore) fetch(ctx context.Context, ids []string) ([]*Entry, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dlq entries: %w", err)
	}

	entries := make([]*Entry, len(ids))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			s.logger.Warn("skipping malformed dlq entry", zap.String("id", ids[i]))
			continue
		}
		entries[i] = &e
	}
	return entries, nil
}

func (s *RedisStore) List(ctx context.Context, params ListParams) (*Page, error) {
	params.normalize()

	var (
		boundary *cursor
		backward bool
	)
	if params.Cursor != "" {
		cur, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
		boundary = &cur
		backward = params.Direction == DirectionBackward
	}

	entries, hasMore, err := s.scan(ctx, params, boundary, backward)
	if err != nil {
		return nil, err
	}
	if backward {
		// collected nearest-newer first, pages render newest first
		reverse(entries)
	}
	return makePage(entries, hasMore), nil
}

// scan walks the index away from the cursor in chunks, filtering client-side,
// until one page plus one lookahead entry is collected. Score bounds narrow
// the walk; exact (created_at, id) tuple exclusion happens in Go because a
// score range cannot split same-millisecond members.
func (s *RedisStore) scan(ctx context.Context, params ListParams, boundary *cursor, backward bool) ([]*Entry, bool, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: listChunkSize}
	if boundary != nil {
		score := strconv.FormatInt(boundary.ts.UnixMilli(), 10)
		if backward {
			rangeBy.Min = score
		} else {
			rangeBy.Max = score
		}
	}

	want := params.Limit + 1
	var collected []*Entry

	for offset := int64(0); ; offset += listChunkSize {
		rangeBy.Offset = offset

		var ids []string
		var err error
		if backward {
			ids, err = s.client.ZRangeByScore(ctx, s.indexKey(), rangeBy).Result()
		} else {
			ids, err = s.client.ZRevRangeByScore(ctx, s.indexKey(), rangeBy).Result()
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to list dlq entries: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		entries, err := s.fetch(ctx, ids)
		if err != nil {
			return nil, false, err
		}
		for _, e := range entries {
			if e == nil || !params.matches(e) {
				continue
			}
			if boundary != nil {
				if backward && !e.after(*boundary) {
					continue
				}
				if !backward && !e.before(*boundary) {
					continue
				}
			}
			collected = append(collected, e)
			if len(collected) == want {
				return collected[:params.Limit], true, nil
			}
		}

		if len(ids) < listChunkSize {
			break
		}
	}
	return collected, false, nil
}
