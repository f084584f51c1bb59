package dlq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_dlq_retries_total",
			Help: "Total dead letter replay attempts by outcome",
		},
		[]string{"type", "outcome"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hadrian_dlq_depth",
			Help: "Entries currently waiting in the dead letter queue",
		},
	)
)

// Handler replays one entry. A nil return removes the entry from the queue;
// an error schedules the next backoff attempt.
type Handler func(ctx context.Context, entry *Entry) error

// Worker periodically replays queued entries through registered handlers.
// Backoff is per entry: initial_delay doubling (or whatever the multiplier
// says) per failed attempt, capped at max_delay.
type Worker struct {
	store  Store
	logger *zap.Logger

	interval      time.Duration
	batchSize     int
	maxRetries    int
	initialDelay  time.Duration
	multiplier    float64
	maxDelay      time.Duration
	concurrency   int
	disableReplay bool

	pruneInterval time.Duration
	pruneAge      time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type WorkerConfig struct {
	Store  Store
	Logger *zap.Logger

	Interval     time.Duration
	BatchSize    int
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// DispatchConcurrency bounds how many handlers run at once per batch.
	DispatchConcurrency int

	// DisableReplay keeps the periodic retry loop off. Manual replays and
	// pruning still work.
	DisableReplay bool

	// PruneInterval enables periodic pruning when positive. Entries older
	// than PruneAge or out of retry budget are dropped.
	PruneInterval time.Duration
	PruneAge      time.Duration
}

func NewWorker(cfg *WorkerConfig) *Worker {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Minute
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Hour
	}
	if cfg.DispatchConcurrency == 0 {
		cfg.DispatchConcurrency = 4
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		store:         cfg.Store,
		logger:        logger.Named("dlq.worker"),
		interval:      cfg.Interval,
		batchSize:     cfg.BatchSize,
		maxRetries:    cfg.MaxRetries,
		initialDelay:  cfg.InitialDelay,
		multiplier:    cfg.Multiplier,
		maxDelay:      cfg.MaxDelay,
		concurrency:   cfg.DispatchConcurrency,
		disableReplay: cfg.DisableReplay,
		pruneInterval: cfg.PruneInterval,
		pruneAge:      cfg.PruneAge,
		handlers:      make(map[string]Handler),
		stopCh:        make(chan struct{}),
	}
}

func (w *Worker) RegisterHandler(entryType string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[entryType] = handler
}

func (w *Worker) handler(entryType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[entryType]
	return h, ok
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting dlq worker",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize),
		zap.Int("max_retries", w.maxRetries),
		zap.Bool("replay", !w.disableReplay))

	if !w.disableReplay {
		w.wg.Add(1)
		go w.retryLoop(ctx)
	}

	if w.pruneInterval > 0 {
		w.wg.Add(1)
		go w.pruneLoop(ctx)
	}
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.logger.Info("Dlq worker stopped")
}

func (w *Worker) retryLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("Dlq batch failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) pruneLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			removed, err := w.store.Prune(ctx, w.pruneAge, w.maxRetries)
			if err != nil {
				w.logger.Error("Dlq prune failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				w.logger.Info("Pruned dlq entries", zap.Int64("removed", removed))
			}
		}
	}
}

// backoffDelay grows geometrically with the number of failed attempts.
func (w *Worker) backoffDelay(retryCount int) time.Duration {
	delay := time.Duration(float64(w.initialDelay) * math.Pow(w.multiplier, float64(retryCount)))
	if delay > w.maxDelay || delay <= 0 {
		return w.maxDelay
	}
	return delay
}

// due reports whether the entry's backoff window has elapsed. The clock
// starts at the last retry, or at creation for a first attempt.
func (w *Worker) due(e *Entry, now time.Time) bool {
	ref := e.CreatedAt
	if e.LastRetryAt != nil {
		ref = *e.LastRetryAt
	}
	return !now.Before(ref.Add(w.backoffDelay(e.RetryCount)))
}

// ProcessBatch replays one batch of due entries. Exposed so the worker
// binary and tests can drive a cycle without waiting on the ticker.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	page, err := w.store.List(ctx, ListParams{
		Limit:         w.batchSize,
		MaxRetryCount: w.maxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to list dlq entries: %w", err)
	}

	if depth, err := w.store.Len(ctx); err == nil {
		queueDepth.Set(float64(depth))
	}

	now := time.Now().UTC()
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, entry := range page.Entries {
		if !w.due(entry, now) {
			continue
		}
		entry := entry
		g.Go(func() error {
			w.replay(gCtx, entry)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) replay(ctx context.Context, entry *Entry) {
	handler, ok := w.handler(entry.Type)
	if !ok {
		w.logger.Warn("No handler for dlq entry type",
			zap.String("type", entry.Type),
			zap.String("id", entry.ID.String()))
		retriesTotal.WithLabelValues(entry.Type, "unhandled").Inc()
		return
	}

	if err := handler(ctx, entry); err != nil {
		retriesTotal.WithLabelValues(entry.Type, "failure").Inc()
		w.logger.Warn("Dlq replay failed",
			zap.String("type", entry.Type),
			zap.String("id", entry.ID.String()),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err))
		if err := w.store.MarkRetried(ctx, entry.ID, err.Error()); err != nil {
			w.logger.Error("Failed to record dlq retry", zap.Error(err))
		}
		return
	}

	retriesTotal.WithLabelValues(entry.Type, "success").Inc()
	if err := w.store.Remove(ctx, entry.ID); err != nil {
		w.logger.Error("Failed to remove replayed dlq entry",
			zap.String("id", entry.ID.String()), zap.Error(err))
	}
}

// RetryEntry replays one entry immediately, bypassing backoff and the retry
// budget. Used by the admin replay endpoint.
func (w *Worker) RetryEntry(ctx context.Context, id uuid.UUID) error {
	entry, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}

	handler, ok := w.handler(entry.Type)
	if !ok {
		return fmt.Errorf("no handler registered for type %q", entry.Type)
	}

	if err := handler(ctx, entry); err != nil {
		retriesTotal.WithLabelValues(entry.Type, "failure").Inc()
		if markErr := w.store.MarkRetried(ctx, entry.ID, err.Error()); markErr != nil {
			w.logger.Error("Failed to record dlq retry", zap.Error(markErr))
		}
		return fmt.Errorf("replay failed: %w", err)
	}

	retriesTotal.WithLabelValues(entry.Type, "success").Inc()
	return w.store.Remove(ctx, entry.ID)
}

// Stats summarizes queue state for the system status endpoint.
type Stats struct {
	Depth           int64    `json:"depth"`
	RegisteredTypes []string `json:"registered_types"`
}

func (w *Worker) Stats(ctx context.Context) (*Stats, error) {
	depth, err := w.store.Len(ctx)
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	w.mu.RUnlock()

	return &Stats{Depth: depth, RegisteredTypes: types}, nil
}
