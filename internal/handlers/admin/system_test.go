package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
	"github.com/ScriptSmith/hadrian-sub008/internal/testutil"
)

type discardSink struct{}

func (discardSink) InsertBatch(context.Context, []*usage.Record) error { return nil }

func TestSystemHandler_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()

	mem := cache.NewMemoryCache()
	store, err := dlq.NewFileStore(&dlq.FileConfig{Dir: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	worker := dlq.NewWorker(&dlq.WorkerConfig{
		Store:         store,
		DisableReplay: true,
		Logger:        zap.NewNop(),
	})
	worker.RegisterHandler(dlq.TypeUsageLog, func(context.Context, *dlq.Entry) error { return nil })
	require.NoError(t, store.Push(context.Background(), &dlq.Entry{
		Type:    dlq.TypeUsageLog,
		Payload: json.RawMessage(`{}`),
	}))

	buffer := usage.NewBuffer(&usage.BufferConfig{Sink: discardSink{}, BatchSize: 100})
	buffer.Push(&usage.Record{RequestID: "req-1", Model: "gpt-4o"})
	buffer.Push(&usage.Record{RequestID: "req-2", Model: "gpt-4o"})

	r := chi.NewRouter()
	r.Get("/system/status", NewSystemHandler(zap.NewNop(), db, mem, worker, buffer).Status)

	rec := doJSON(t, r, http.MethodGet, "/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SystemStatusResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Database.Healthy)
	assert.True(t, resp.Cache.Healthy)
	assert.EqualValues(t, 1, resp.DLQ.Depth)
	assert.Equal(t, []string{dlq.TypeUsageLog}, resp.DLQ.RegisteredTypes)
	assert.Equal(t, 2, resp.UsageBuffer.Pending)
}
