package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
)

var eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "hadrian_audit_events_dropped_total",
	Help: "Audit events dropped because the writer queue was full",
})

// Event is one admission, key, or queue fact worth keeping.
type Event struct {
	Type         models.AuditEventType  `json:"type"`
	ActorType    string                 `json:"actor_type,omitempty"`
	ActorID      string                 `json:"actor_id,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Decision     string                 `json:"decision,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	IP           string                 `json:"ip,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

func (e *Event) toModel() (*models.Audit, error) {
	row := &models.Audit{
		EventType:    e.Type,
		ActorType:    e.ActorType,
		ActorID:      e.ActorID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Decision:     e.Decision,
		Reason:       e.Reason,
		IP:           e.IP,
		RequestID:    e.RequestID,
		Timestamp:    e.Timestamp,
	}
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		row.Metadata = raw
	}
	return row, nil
}

// Logger writes audit events through a single background goroutine so callers
// never wait on the database. A failed insert falls back to the dead letter
// queue rather than losing the event.
type Logger struct {
	db     *gorm.DB
	dlq    dlq.Store
	logger *zap.Logger

	events   chan *Event
	stopOnce sync.Once
	done     chan struct{}
}

type Config struct {
	DB        *gorm.DB
	DLQ       dlq.Store
	Logger    *zap.Logger
	QueueSize int
}

func NewLogger(cfg *Config) *Logger {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{
		db:     cfg.DB,
		dlq:    cfg.DLQ,
		logger: logger.Named("audit"),
		events: make(chan *Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Record enqueues an event. Never blocks: a full queue drops the event and
// counts it.
func (l *Logger) Record(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case l.events <- event:
	default:
		eventsDropped.Inc()
		l.logger.Warn("Audit queue full, dropping event", zap.String("type", string(event.Type)))
	}
}

func (l *Logger) writeLoop() {
	defer close(l.done)
	for event := range l.events {
		l.write(event)
	}
}

func (l *Logger) write(event *Event) {
	row, err := event.toModel()
	if err != nil {
		l.logger.Error("Failed to encode audit event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	insertErr := l.db.WithContext(ctx).Create(row).Error
	if insertErr == nil {
		return
	}
	if l.dlq == nil {
		l.logger.Error("Failed to write audit event", zap.Error(insertErr))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("Failed to marshal audit event for dlq", zap.Error(err))
		return
	}
	entry := &dlq.Entry{
		Type:    dlq.TypeAuditLog,
		Payload: payload,
		Error:   insertErr.Error(),
	}
	if err := l.dlq.Push(ctx, entry); err != nil {
		l.logger.Error("Failed to dead letter audit event", zap.Error(err))
	}
}

// Stop drains the queue and waits for the writer to finish.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() {
		close(l.events)
		<-l.done
	})
}

// ReplayHandler returns the dlq handler that re-inserts a dead lettered
// audit event.
func (l *Logger) ReplayHandler() dlq.Handler {
	return func(ctx context.Context, entry *dlq.Entry) error {
		var event Event
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			return fmt.Errorf("failed to unmarshal audit event: %w", err)
		}
		row, err := event.toModel()
		if err != nil {
			return err
		}
		if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
		return nil
	}
}
