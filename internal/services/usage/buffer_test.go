package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]*Record
	err     error
}

func (s *fakeSink) InsertBatch(ctx context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	batch := make([]*Record, len(records))
	copy(batch, records)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeSink) lastBatch() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	return s.batches[len(s.batches)-1]
}

func TestBuffer_FlushOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(&BufferConfig{
		Sink:          sink,
		Logger:        zap.NewNop(),
		BatchSize:     3,
		FlushInterval: time.Hour,
	})
	b.Start()
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Push(&Record{RequestID: fmt.Sprintf("r%d", i)})
	}

	assert.Eventually(t, func() bool {
		return sink.total() == 3 && b.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBuffer_PeriodicFlush(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(&BufferConfig{
		Sink:          sink,
		Logger:        zap.NewNop(),
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	})
	b.Start()
	defer b.Stop()

	b.Push(&Record{RequestID: "a"})
	b.Push(&Record{RequestID: "b"})

	assert.Eventually(t, func() bool {
		return sink.total() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBuffer_DropsOldestOverCapacity(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(&BufferConfig{
		Sink:          sink,
		Logger:        zap.NewNop(),
		BatchSize:     100,
		MaxPending:    5,
		FlushInterval: time.Hour,
	})

	for i := 0; i < 8; i++ {
		b.Push(&Record{RequestID: fmt.Sprintf("r%d", i)})
	}
	assert.Equal(t, 5, b.Pending())

	b.Flush(context.Background())

	batch := sink.lastBatch()
	require.Len(t, batch, 5)
	assert.Equal(t, "r3", batch[0].RequestID)
	assert.Equal(t, "r7", batch[4].RequestID)
}

func TestBuffer_SinkFailureDropsBatch(t *testing.T) {
	// durability on sink failure belongs to the sink, which dead letters;
	// the buffer must not grow without bound retrying a bad batch
	sink := &fakeSink{err: errors.New("db down")}
	b := NewBuffer(&BufferConfig{
		Sink:          sink,
		Logger:        zap.NewNop(),
		BatchSize:     100,
		FlushInterval: time.Hour,
	})

	b.Push(&Record{RequestID: "doomed"})
	b.Flush(context.Background())

	assert.Zero(t, b.Pending())
	assert.Zero(t, sink.total())

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	b.Push(&Record{RequestID: "fine"})
	b.Flush(context.Background())
	assert.Equal(t, 1, sink.total())
}

func TestBuffer_StopFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	b := NewBuffer(&BufferConfig{
		Sink:          sink,
		Logger:        zap.NewNop(),
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	b.Start()

	b.Push(&Record{RequestID: "a"})
	b.Push(&Record{RequestID: "b"})
	b.Stop()

	assert.Equal(t, 2, sink.total())

	// Stop is idempotent
	b.Stop()
}

func TestBuffer_PushDefaultsTimestamp(t *testing.T) {
	b := NewBuffer(&BufferConfig{Sink: &fakeSink{}, Logger: zap.NewNop()})

	r := &Record{RequestID: "x"}
	b.Push(r)

	assert.False(t, r.Timestamp.IsZero())
	assert.Equal(t, time.UTC, r.Timestamp.Location())

	stamped := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	r2 := &Record{RequestID: "y", Timestamp: stamped}
	b.Push(r2)
	assert.Equal(t, stamped, r2.Timestamp)
}
