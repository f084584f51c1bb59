package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore keeps one JSON document per entry under a directory and an
// in-memory id index rebuilt by scanning the directory at open. Suited to
// single-node deployments that need durability without a database.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	maxFiles int
	index    map[uuid.UUID]*Entry
	logger   *zap.Logger
}

type FileConfig struct {
	Dir      string
	MaxFiles int
	Logger   *zap.Logger
}

func NewFileStore(cfg *FileConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dlq file store requires a directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dlq directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &FileStore{
		dir:      cfg.Dir,
		maxFiles: cfg.MaxFiles,
		index:    make(map[uuid.UUID]*Entry),
		logger:   logger.Named("dlq.file"),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) scan() error {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan dlq directory: %w", err)
	}
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, d.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable dlq file",
				zap.String("file", d.Name()), zap.Error(err))
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.ID == uuid.Nil {
			s.logger.Warn("skipping malformed dlq file", zap.String("file", d.Name()))
			continue
		}
		s.index[e.ID] = &e
	}
	return nil
}

func (s *FileStore) path(e *Entry) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d-%s.json", e.CreatedAt.UnixMilli(), e.ID))
}

func (s *FileStore) writeLocked(e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".dlq-*")
	if err != nil {
		return fmt.Errorf("failed to create dlq temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write dlq entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close dlq temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(e)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to place dlq entry: %w", err)
	}
	return nil
}

func (s *FileStore) Push(ctx context.Context, entry *Entry) error {
	entry.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(entry); err != nil {
		return err
	}
	s.index[entry.ID] = entry.clone()

	// oldest entries give way when the cap is hit
	for s.maxFiles > 0 && len(s.index) > s.maxFiles {
		oldest := s.oldestLocked()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
	}
	return nil
}

func (s *FileStore) oldestLocked() *Entry {
	var oldest *Entry
	for _, e := range s.index {
		if oldest == nil || e.before(cursor{ts: oldest.CreatedAt, id: oldest.ID}) {
			oldest = e
		}
	}
	return oldest
}

func (s *FileStore) removeLocked(e *Entry) {
	if err := os.Remove(s.path(e)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove dlq file", zap.String("id", e.ID.String()), zap.Error(err))
	}
	delete(s.index, e.ID)
}

func (s *FileStore) Pop(ctx context.Context) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := s.oldestLocked()
	if oldest == nil {
		return nil, false, nil
	}
	out := oldest.clone()
	s.removeLocked(oldest)
	return out, true, nil
}

func (s *FileStore) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (s *FileStore) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.index[id]; ok {
		s.removeLocked(e)
	}
	return nil
}

func (s *FileStore) MarkRetried(ctx context.Context, id uuid.UUID, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	e.RetryCount++
	e.LastRetryAt = &now
	e.Error = lastErr
	return s.writeLocked(e)
}

func (s *FileStore) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.index)), nil
}

func (s *FileStore) Prune(ctx context.Context, olderThan time.Duration, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := time.Now().Add(-olderThan)
	var removed int64
	for _, e := range s.index {
		if (olderThan > 0 && e.CreatedAt.Before(horizon)) ||
			(maxRetries > 0 && e.RetryCount >= maxRetries) {
			s.removeLocked(e)
			removed++
		}
	}
	return removed, nil
}

func (s *FileStore) Clear(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := int64(len(s.index))
	for _, e := range s.index {
		s.removeLocked(e)
	}
	return removed, nil
}

func (s *FileStore) List(ctx context.Context, params ListParams) (*Page, error) {
	params.normalize()

	s.mu.Lock()
	all := make([]*Entry, 0, len(s.index))
	for _, e := range s.index {
		if params.matches(e) {
			all = append(all, e.clone())
		}
	}
	s.mu.Unlock()

	return paginate(all, params)
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.LastRetryAt != nil {
		t := *e.LastRetryAt
		out.LastRetryAt = &t
	}
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
