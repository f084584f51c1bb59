package dlq

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursors are opaque to callers: URL-safe base64 over "<unix_ms>:<uuid>".
// Millisecond precision matches the truncation applied on push.

type cursor struct {
	ts time.Time
	id uuid.UUID
}

func encodeCursor(e *Entry) string {
	raw := fmt.Sprintf("%d:%s", e.CreatedAt.UnixMilli(), e.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	ms, idStr, ok := strings.Cut(string(raw), ":")
	if !ok {
		return cursor{}, fmt.Errorf("%w: missing separator", ErrBadCursor)
	}
	unixMs, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: bad timestamp", ErrBadCursor)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: bad id", ErrBadCursor)
	}
	return cursor{ts: time.UnixMilli(unixMs).UTC(), id: id}, nil
}
