package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Entry types dispatched by the retry worker. Pushers outside this package
// use these constants so handler registration stays in one vocabulary.
const (
	TypeUsageLog = "usage_log"
	TypeAuditLog = "audit_log"
	TypeWebhook  = "webhook"
)

var (
	ErrNotFound  = errors.New("dlq entry not found")
	ErrBadCursor = errors.New("malformed pagination cursor")
)

// Entry is one piece of failed asynchronous work. CreatedAt is truncated to
// millisecond precision before storage so cursor ordering matches what every
// backend can faithfully persist.
type Entry struct {
	ID          uuid.UUID         `json:"id"`
	Type        string            `json:"type"`
	Payload     json.RawMessage   `json:"payload"`
	Error       string            `json:"error"`
	RetryCount  int               `json:"retry_count"`
	CreatedAt   time.Time         `json:"created_at"`
	LastRetryAt *time.Time        `json:"last_retry_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// normalize fills defaults on push.
func (e *Entry) normalize() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)
	if e.LastRetryAt != nil {
		t := e.LastRetryAt.UTC().Truncate(time.Millisecond)
		e.LastRetryAt = &t
	}
}

// after reports whether e sorts strictly newer than the cursor position in
// the (created_at, id) ordering.
func (e *Entry) after(c cursor) bool {
	if e.CreatedAt.After(c.ts) {
		return true
	}
	return e.CreatedAt.Equal(c.ts) && e.ID.String() > c.id.String()
}

// before reports whether e sorts strictly older than the cursor position.
func (e *Entry) before(c cursor) bool {
	if e.CreatedAt.Before(c.ts) {
		return true
	}
	return e.CreatedAt.Equal(c.ts) && e.ID.String() < c.id.String()
}

type Direction string

const (
	// DirectionForward pages toward older entries.
	DirectionForward Direction = "forward"
	// DirectionBackward pages toward newer entries.
	DirectionBackward Direction = "backward"
)

type ListParams struct {
	Limit     int
	Cursor    string
	Direction Direction
	// Type restricts to one entry type when non-empty.
	Type string
	// MaxRetryCount restricts to entries with RetryCount strictly below it.
	// Zero disables the filter.
	MaxRetryCount int
}

func (p *ListParams) normalize() {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Direction == "" {
		p.Direction = DirectionForward
	}
}

func (p *ListParams) matches(e *Entry) bool {
	if p.Type != "" && e.Type != p.Type {
		return false
	}
	if p.MaxRetryCount > 0 && e.RetryCount >= p.MaxRetryCount {
		return false
	}
	return true
}

// Page is one slice of the queue, always ordered newest first. NextCursor
// continues toward older entries, PrevCursor toward newer ones.
type Page struct {
	Entries    []*Entry `json:"entries"`
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor,omitempty"`
	PrevCursor string   `json:"prev_cursor,omitempty"`
}

func makePage(entries []*Entry, hasMore bool) *Page {
	page := &Page{Entries: entries, HasMore: hasMore}
	if len(entries) > 0 {
		page.PrevCursor = encodeCursor(entries[0])
		page.NextCursor = encodeCursor(entries[len(entries)-1])
	}
	return page
}

// Store is a durable queue of failed work with keyset pagination over
// (created_at DESC, id DESC).
type Store interface {
	// Push persists the entry, assigning ID and CreatedAt when unset.
	Push(ctx context.Context, entry *Entry) error
	// Pop removes and returns the oldest entry; ok is false when empty.
	Pop(ctx context.Context) (*Entry, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	// Remove deletes the entry; removing an absent entry is not an error.
	Remove(ctx context.Context, id uuid.UUID) error
	// MarkRetried records a failed replay attempt.
	MarkRetried(ctx context.Context, id uuid.UUID, lastErr string) error
	Len(ctx context.Context) (int64, error)
	// Prune deletes entries older than the horizon (when olderThan > 0) or
	// retried at least maxRetries times (when maxRetries > 0). Returns the
	// number deleted. With neither criterion set nothing is removed.
	Prune(ctx context.Context, olderThan time.Duration, maxRetries int) (int64, error)
	Clear(ctx context.Context) (int64, error)
	List(ctx context.Context, params ListParams) (*Page, error)
}
