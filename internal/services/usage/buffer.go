package usage

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	recordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hadrian_usage_records_dropped_total",
		Help: "Usage records dropped because the buffer was full",
	})

	recordsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hadrian_usage_records_flushed_total",
		Help: "Usage records handed to the sink",
	})

	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hadrian_usage_flush_failures_total",
		Help: "Usage batches the sink rejected",
	})
)

// Buffer batches usage records toward a sink off the request path. Push never
// blocks: when the buffer is full the oldest records are dropped and counted.
type Buffer struct {
	sink   Sink
	logger *zap.Logger

	batchSize     int
	maxPending    int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []*Record
	dropped int64

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type BufferConfig struct {
	Sink          Sink
	Logger        *zap.Logger
	BatchSize     int
	MaxPending    int
	FlushInterval time.Duration
}

func NewBuffer(cfg *BufferConfig) *Buffer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = 10000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Buffer{
		sink:          cfg.Sink,
		logger:        logger.Named("usage.buffer"),
		batchSize:     cfg.BatchSize,
		maxPending:    cfg.MaxPending,
		flushInterval: cfg.FlushInterval,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (b *Buffer) Start() {
	go b.flushLoop()
}

// Push queues a record. Records beyond max_pending displace the oldest.
func (b *Buffer) Push(record *Record) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.pending = append(b.pending, record)
	var over int
	if over = len(b.pending) - b.maxPending; over > 0 {
		b.pending = b.pending[over:]
		b.dropped += int64(over)
	}
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if over > 0 {
		recordsDropped.Add(float64(over))
	}
	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.flush(context.Background())
		case <-b.flushCh:
			b.flush(context.Background())
		}
	}
}

// flush swaps out the pending slice and hands it to the sink.
func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	dropped := b.dropped
	b.dropped = 0
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("Dropped usage records, buffer full", zap.Int64("dropped", dropped))
	}
	if len(batch) == 0 {
		return
	}

	if err := b.sink.InsertBatch(ctx, batch); err != nil {
		flushFailures.Inc()
		b.logger.Error("Usage flush failed", zap.Int("records", len(batch)), zap.Error(err))
		return
	}
	recordsFlushed.Add(float64(len(batch)))
}

// Flush drains pending records immediately.
func (b *Buffer) Flush(ctx context.Context) {
	b.flush(ctx)
}

// Stop halts the loop and performs one final flush with a shutdown deadline.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.done

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.flush(ctx)
	})
}

// Pending reports the records currently buffered.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
