package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorker(t *testing.T, s Store) *Worker {
	t.Helper()
	return NewWorker(&WorkerConfig{
		Store:        s,
		Logger:       zap.NewNop(),
		InitialDelay: time.Minute,
		Multiplier:   2.0,
		MaxDelay:     time.Hour,
		MaxRetries:   5,
	})
}

func TestWorker_BackoffDelay(t *testing.T) {
	w := newTestWorker(t, setupFileStore(t))

	assert.Equal(t, time.Minute, w.backoffDelay(0))
	assert.Equal(t, 2*time.Minute, w.backoffDelay(1))
	assert.Equal(t, 4*time.Minute, w.backoffDelay(2))
	// geometric growth is capped
	assert.Equal(t, time.Hour, w.backoffDelay(6))
	assert.Equal(t, time.Hour, w.backoffDelay(40))
}

func TestWorker_Due(t *testing.T) {
	w := newTestWorker(t, setupFileStore(t))
	now := time.Now().UTC()

	fresh := &Entry{CreatedAt: now.Add(-time.Second)}
	assert.False(t, w.due(fresh, now))

	aged := &Entry{CreatedAt: now.Add(-2 * time.Minute)}
	assert.True(t, w.due(aged, now))

	// the clock restarts at the last attempt, and the window widens
	recentRetry := now.Add(-90 * time.Second)
	retried := &Entry{
		CreatedAt:   now.Add(-time.Hour),
		RetryCount:  1,
		LastRetryAt: &recentRetry,
	}
	assert.False(t, w.due(retried, now))

	staleRetry := now.Add(-3 * time.Minute)
	retried.LastRetryAt = &staleRetry
	assert.True(t, w.due(retried, now))
}

func TestWorker_ProcessBatch(t *testing.T) {
	ctx := context.Background()
	s := setupFileStore(t)
	w := newTestWorker(t, s)

	var usageCalls, webhookCalls atomic.Int32
	w.RegisterHandler(TypeUsageLog, func(ctx context.Context, e *Entry) error {
		usageCalls.Add(1)
		return nil
	})
	w.RegisterHandler(TypeWebhook, func(ctx context.Context, e *Entry) error {
		webhookCalls.Add(1)
		return errors.New("endpoint still down")
	})

	past := time.Now().Add(-time.Hour).UTC()
	ok := &Entry{Type: TypeUsageLog, CreatedAt: past, Payload: json.RawMessage(`{}`)}
	failing := &Entry{Type: TypeWebhook, CreatedAt: past.Add(time.Millisecond), Payload: json.RawMessage(`{}`)}
	unhandled := &Entry{Type: TypeAuditLog, CreatedAt: past.Add(2 * time.Millisecond), Payload: json.RawMessage(`{}`)}
	for _, e := range []*Entry{ok, failing, unhandled} {
		require.NoError(t, s.Push(ctx, e))
	}

	require.NoError(t, w.ProcessBatch(ctx))

	assert.Equal(t, int32(1), usageCalls.Load())
	assert.Equal(t, int32(1), webhookCalls.Load())

	// success is removed from the queue
	_, err := s.Get(ctx, ok.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// failure is rescheduled with the error recorded
	got, err := s.Get(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "endpoint still down", got.Error)
	require.NotNil(t, got.LastRetryAt)

	// no handler: left alone for a later registration
	got, err = s.Get(ctx, unhandled.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)

	// the failed entry is now inside its backoff window
	require.NoError(t, w.ProcessBatch(ctx))
	assert.Equal(t, int32(1), webhookCalls.Load())
}

func TestWorker_SkipsExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	s := setupFileStore(t)
	w := newTestWorker(t, s)

	var calls atomic.Int32
	w.RegisterHandler(TypeUsageLog, func(ctx context.Context, e *Entry) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, s.Push(ctx, &Entry{
		Type:       TypeUsageLog,
		RetryCount: 5,
		CreatedAt:  time.Now().Add(-24 * time.Hour),
		Payload:    json.RawMessage(`{}`),
	}))

	require.NoError(t, w.ProcessBatch(ctx))
	assert.Zero(t, calls.Load())
}

func TestWorker_RetryEntry(t *testing.T) {
	ctx := context.Background()
	s := setupFileStore(t)
	w := newTestWorker(t, s)

	var calls atomic.Int32
	w.RegisterHandler(TypeUsageLog, func(ctx context.Context, e *Entry) error {
		calls.Add(1)
		return nil
	})

	// backoff does not apply to manual replays
	e := &Entry{Type: TypeUsageLog, Payload: json.RawMessage(`{}`)}
	require.NoError(t, s.Push(ctx, e))
	require.NoError(t, w.RetryEntry(ctx, e.ID))
	assert.Equal(t, int32(1), calls.Load())
	_, err := s.Get(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, w.RetryEntry(ctx, uuid.New()), ErrNotFound)

	orphan := &Entry{Type: "unknown_type", Payload: json.RawMessage(`{}`)}
	require.NoError(t, s.Push(ctx, orphan))
	assert.Error(t, w.RetryEntry(ctx, orphan.ID))
}

func TestWorker_RetryEntryFailureMarksRetried(t *testing.T) {
	ctx := context.Background()
	s := setupFileStore(t)
	w := newTestWorker(t, s)

	w.RegisterHandler(TypeWebhook, func(ctx context.Context, e *Entry) error {
		return errors.New("still broken")
	})

	e := &Entry{Type: TypeWebhook, Payload: json.RawMessage(`{}`)}
	require.NoError(t, s.Push(ctx, e))
	assert.Error(t, w.RetryEntry(ctx, e.ID))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "still broken", got.Error)
}

func TestWorker_StartStop(t *testing.T) {
	ctx := context.Background()
	s := setupFileStore(t)

	w := NewWorker(&WorkerConfig{
		Store:    s,
		Logger:   zap.NewNop(),
		Interval: 10 * time.Millisecond,
	})

	var calls atomic.Int32
	w.RegisterHandler(TypeUsageLog, func(ctx context.Context, e *Entry) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, s.Push(ctx, &Entry{
		Type:      TypeUsageLog,
		CreatedAt: time.Now().Add(-time.Hour),
		Payload:   json.RawMessage(`{}`),
	}))

	w.Start(ctx)
	assert.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	// stop is idempotent
	w.Stop()
}

func TestWorker_Stats(t *testing.T) {
	ctx := context.Background()
	s := setupFileStore(t)
	w := newTestWorker(t, s)
	w.RegisterHandler(TypeUsageLog, func(ctx context.Context, e *Entry) error { return nil })

	seed(t, s, 3)

	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Depth)
	assert.Equal(t, []string{TypeUsageLog}, stats.RegisteredTypes)
}
