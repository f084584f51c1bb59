package dlq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(&FileConfig{Dir: dir, Logger: zap.NewNop()})
	require.NoError(t, err)
	entries := seed(t, s, 3)
	require.NoError(t, s.MarkRetried(ctx, entries[0].ID, "transient"))

	reopened, err := NewFileStore(&FileConfig{Dir: dir, Logger: zap.NewNop()})
	require.NoError(t, err)

	n, err := reopened.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := reopened.Get(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "transient", got.Error)

	page, err := reopened.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, entries[2].ID, page.Entries[0].ID)
}

func TestFileStore_SkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("notes"), 0o644))

	s, err := NewFileStore(&FileConfig{Dir: dir, Logger: zap.NewNop()})
	require.NoError(t, err)

	n, err := s.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileStore_MaxFilesDropsOldest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(&FileConfig{Dir: dir, MaxFiles: 3, Logger: zap.NewNop()})
	require.NoError(t, err)
	entries := seed(t, s, 5)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// the two oldest are gone, on disk too
	for _, e := range entries[:2] {
		_, err := s.Get(ctx, e.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for _, e := range entries[2:] {
		_, err := s.Get(ctx, e.ID)
		assert.NoError(t, err)
	}

	dirents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, dirents, 3)
}

func TestFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore(&FileConfig{})
	assert.Error(t, err)
}

func TestFileStore_CallerCannotMutateStored(t *testing.T) {
	ctx := context.Background()
	s := setupFileStore(t)

	e := &Entry{
		Type:     TypeWebhook,
		Payload:  json.RawMessage(`{"a":1}`),
		Metadata: map[string]string{"k": "v"},
	}
	require.NoError(t, s.Push(ctx, e))

	// mutating the pushed entry must not leak into the store
	e.Metadata["k"] = "changed"
	e.Payload[2] = 'x'

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))

	// and mutating a returned entry must not corrupt later reads
	got.Metadata["k"] = "tampered"
	again, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
}
