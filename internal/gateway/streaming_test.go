package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScriptSmith/hadrian-sub008/internal/proxy"
)

func TestSSEUsageScanner_FinalFrameUsage(t *testing.T) {
	var s sseUsageScanner
	s.Scan([]byte("data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
	s.Scan([]byte("data: {\"model\":\"gpt-4o\",\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":34}}\n\n"))
	s.Scan([]byte("data: [DONE]\n\n"))

	facts := s.facts(proxy.UsageFacts{Provider: "openai"})
	assert.Equal(t, "gpt-4o", facts.Model)
	assert.Equal(t, "openai", facts.Provider)
	require.NotNil(t, facts.InputTokens)
	require.NotNil(t, facts.OutputTokens)
	assert.Equal(t, int64(12), *facts.InputTokens)
	assert.Equal(t, int64(34), *facts.OutputTokens)
}

func TestSSEUsageScanner_FrameSplitAcrossWrites(t *testing.T) {
	var s sseUsageScanner
	frame := "data: {\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n"
	s.Scan([]byte(frame[:17]))
	s.Scan([]byte(frame[17:]))

	facts := s.facts(proxy.UsageFacts{})
	require.NotNil(t, facts.InputTokens)
	assert.Equal(t, int64(7), *facts.InputTokens)
}

func TestSSEUsageScanner_UnterminatedFinalLine(t *testing.T) {
	var s sseUsageScanner
	s.Scan([]byte("data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1}}"))

	facts := s.facts(proxy.UsageFacts{})
	require.NotNil(t, facts.InputTokens)
	assert.Equal(t, int64(5), *facts.InputTokens)
}

func TestSSEUsageScanner_IgnoresMalformedFrames(t *testing.T) {
	var s sseUsageScanner
	s.Scan([]byte("data: not json\n"))
	s.Scan([]byte(": keepalive comment\n"))
	s.Scan([]byte("event: message\n"))

	facts := s.facts(proxy.UsageFacts{Model: "from-header"})
	assert.Equal(t, "from-header", facts.Model)
	assert.Nil(t, facts.InputTokens)
}

func TestSSEUsageScanner_OversizedLineSkipped(t *testing.T) {
	var s sseUsageScanner
	// One giant unterminated chunk, then a newline, then a valid frame.
	s.Scan([]byte("data: " + strings.Repeat("x", maxScanLineBytes+10)))
	s.Scan([]byte("\ndata: {\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":2}}\n"))

	facts := s.facts(proxy.UsageFacts{})
	require.NotNil(t, facts.InputTokens)
	assert.Equal(t, int64(2), *facts.InputTokens)
}

func TestResponseCapture_StripsAdapterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	c := newResponseCapture(rec)

	c.Header().Set(proxy.HeaderModel, "gpt-4o")
	c.Header().Set(proxy.HeaderInputTokens, "11")
	c.Header().Set(proxy.HeaderOutputTokens, "22")
	c.Header().Set(proxy.HeaderCostMicrocents, "1234")
	c.Header().Set("Content-Type", "application/json")
	c.WriteHeader(http.StatusOK)
	_, err := c.Write([]byte(`{"ok":true}`))
	require.NoError(t, err)

	assert.Empty(t, rec.Header().Get(proxy.HeaderModel))
	assert.Empty(t, rec.Header().Get(proxy.HeaderInputTokens))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	facts := c.UsageFacts()
	assert.Equal(t, "gpt-4o", facts.Model)
	require.NotNil(t, facts.CostMicrocents)
	assert.Equal(t, int64(1234), *facts.CostMicrocents)

	assert.Equal(t, http.StatusOK, c.Status())
	assert.Equal(t, int64(len(`{"ok":true}`)), c.BytesWritten())
	assert.False(t, c.Streamed())
}

func TestResponseCapture_StreamUsageWinsOverHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	c := newResponseCapture(rec)

	c.Header().Set("Content-Type", "text/event-stream")
	c.Header().Set(proxy.HeaderProvider, "openai")
	c.WriteHeader(http.StatusOK)
	_, _ = c.Write([]byte("data: {\"model\":\"gpt-4o-mini\",\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":18}}\n"))

	require.True(t, c.Streamed())
	facts := c.UsageFacts()
	assert.Equal(t, "gpt-4o-mini", facts.Model)
	assert.Equal(t, "openai", facts.Provider)
	require.NotNil(t, facts.OutputTokens)
	assert.Equal(t, int64(18), *facts.OutputTokens)
}

func TestResponseCapture_ImplicitHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	c := newResponseCapture(rec)

	assert.Equal(t, 0, c.Status())
	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, c.Status())
	assert.True(t, c.Written())
}

func TestBufferedCapture_HoldsScreenableBody(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	b := newBufferedCapture(dst, 1024)

	b.Header().Set("Content-Type", "application/json")
	b.WriteHeader(http.StatusOK)
	_, err := b.Write([]byte(`{"choices":[]}`))
	require.NoError(t, err)

	require.True(t, b.Screenable())
	assert.Equal(t, `{"choices":[]}`, string(b.Body()))
	assert.Empty(t, rec.Body.String())

	require.NoError(t, b.Release())
	assert.Equal(t, `{"choices":[]}`, rec.Body.String())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBufferedCapture_PassthroughForEventStreams(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	b := newBufferedCapture(dst, 1024)

	b.Header().Set("Content-Type", "text/event-stream")
	b.WriteHeader(http.StatusOK)
	_, err := b.Write([]byte("data: {}\n"))
	require.NoError(t, err)

	assert.False(t, b.Screenable())
	assert.Equal(t, "data: {}\n", rec.Body.String())
}

func TestBufferedCapture_PassthroughForErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	b := newBufferedCapture(dst, 1024)

	b.Header().Set("Content-Type", "application/json")
	b.WriteHeader(http.StatusBadGateway)
	_, err := b.Write([]byte(`{"error":"upstream"}`))
	require.NoError(t, err)

	assert.False(t, b.Screenable())
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, `{"error":"upstream"}`, rec.Body.String())
}

func TestBufferedCapture_OverflowDegradesToPassthrough(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	b := newBufferedCapture(dst, 10)

	b.Header().Set("Content-Type", "application/json")
	b.WriteHeader(http.StatusOK)
	_, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.True(t, b.Screenable())

	// The next write exceeds the limit; held bytes flush in order.
	_, err = b.Write([]byte("overflow"))
	require.NoError(t, err)
	assert.False(t, b.Screenable())
	assert.Equal(t, "0123456789overflow", rec.Body.String())
}

func TestBufferedCapture_Discard(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	b := newBufferedCapture(dst, 1024)

	b.Header().Set("Content-Type", "application/json")
	b.Header().Set(proxy.HeaderInputTokens, "40")
	b.WriteHeader(http.StatusOK)
	_, _ = b.Write([]byte(`{"secret":"data"}`))

	b.Discard()
	require.NoError(t, b.Release())
	assert.Empty(t, rec.Body.String())

	// Accounting facts survive the discarded body.
	facts := b.UsageFacts()
	require.NotNil(t, facts.InputTokens)
	assert.Equal(t, int64(40), *facts.InputTokens)
}

func TestGatedCapture_BuffersUntilRelease(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	g := newGatedCapture(dst)

	g.Header().Set("Content-Type", "application/json")
	g.WriteHeader(http.StatusOK)
	_, err := g.Write([]byte(`{"id":"cmpl-1"}`))
	require.NoError(t, err)

	assert.False(t, g.Written())
	assert.Empty(t, rec.Body.String())

	g.Release()
	assert.True(t, g.Written())
	assert.Equal(t, `{"id":"cmpl-1"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	// Post-release writes stream straight through.
	_, err = g.Write([]byte("tail"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"cmpl-1"}tail`, rec.Body.String())
}

func TestGatedCapture_ReleaseBeforeUpstreamResponds(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	g := newGatedCapture(dst)

	// Gate opens before the upstream has written anything.
	g.Release()
	assert.False(t, g.Written())

	g.Header().Set("Content-Type", "text/event-stream")
	g.WriteHeader(http.StatusOK)
	_, err := g.Write([]byte("data: {\"model\":\"gpt-4o\"}\n"))
	require.NoError(t, err)

	assert.True(t, g.Written())
	assert.Equal(t, "data: {\"model\":\"gpt-4o\"}\n", rec.Body.String())
}

func TestGatedCapture_DiscardKeepsAccounting(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	g := newGatedCapture(dst)

	g.Header().Set("Content-Type", "text/event-stream")
	g.WriteHeader(http.StatusOK)
	_, _ = g.Write([]byte("data: {\"model\":\"gpt-4o\"}\n"))

	g.Discard()

	// The drain keeps feeding the scanner after the gate slams shut.
	_, err := g.Write([]byte("data: {\"usage\":{\"prompt_tokens\":21,\"completion_tokens\":8}}\n"))
	require.NoError(t, err)

	assert.Empty(t, rec.Body.String())
	assert.False(t, g.Written())

	facts := g.UsageFacts()
	assert.Equal(t, "gpt-4o", facts.Model)
	require.NotNil(t, facts.InputTokens)
	assert.Equal(t, int64(21), *facts.InputTokens)
	assert.Equal(t, int64(8), *facts.OutputTokens)
}

func TestGatedCapture_ReleaseAfterDiscardIsNoop(t *testing.T) {
	rec := httptest.NewRecorder()
	dst := newResponseCapture(rec)
	g := newGatedCapture(dst)

	g.WriteHeader(http.StatusOK)
	_, _ = g.Write([]byte("held"))
	g.Discard()
	g.Release()

	assert.Empty(t, rec.Body.String())
	assert.False(t, g.Written())
}

func TestScreenableResponse(t *testing.T) {
	json := http.Header{"Content-Type": []string{"application/json"}}
	assert.True(t, screenableResponse(json, 200))
	assert.False(t, screenableResponse(json, 404))
	assert.False(t, screenableResponse(json, 502))

	sse := http.Header{"Content-Type": []string{"text/event-stream; charset=utf-8"}}
	assert.False(t, screenableResponse(sse, 200))

	gzipped := http.Header{
		"Content-Type":     []string{"application/json"},
		"Content-Encoding": []string{"gzip"},
	}
	assert.False(t, screenableResponse(gzipped, 200))

	identity := http.Header{
		"Content-Type":     []string{"application/json"},
		"Content-Encoding": []string{"identity"},
	}
	assert.True(t, screenableResponse(identity, 200))
}
