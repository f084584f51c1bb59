package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/ScriptSmith/hadrian-sub008/internal/proxy"
)

// maxScanLineBytes bounds the SSE line accumulator so a broken upstream
// cannot grow it without limit. Oversized lines are skipped whole.
const maxScanLineBytes = 1 << 20

// sseUsageScanner watches an event stream for the usage object
// OpenAI-compatible backends emit in their final data frame. Malformed
// frames and [DONE] markers are ignored.
type sseUsageScanner struct {
	line    []byte
	overrun bool

	model      string
	prompt     *int64
	completion *int64
}

func (s *sseUsageScanner) Scan(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if !s.overrun {
				s.line = append(s.line, p...)
				if len(s.line) > maxScanLineBytes {
					s.line = s.line[:0]
					s.overrun = true
				}
			}
			return
		}
		if !s.overrun {
			s.line = append(s.line, p[:i]...)
			s.processLine(s.line)
		}
		s.line = s.line[:0]
		s.overrun = false
		p = p[i+1:]
	}
}

// Close consumes a final unterminated line.
func (s *sseUsageScanner) Close() {
	if !s.overrun && len(s.line) > 0 {
		s.processLine(s.line)
	}
	s.line = nil
}

func (s *sseUsageScanner) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	var frame struct {
		Model string `json:"model"`
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	if frame.Model != "" {
		s.model = frame.Model
	}
	if frame.Usage != nil {
		prompt, completion := frame.Usage.PromptTokens, frame.Usage.CompletionTokens
		s.prompt, s.completion = &prompt, &completion
	}
}

// facts folds scanned stream usage over header facts: stream frames win for
// model and token counts, headers keep provider attribution.
func (s *sseUsageScanner) facts(header proxy.UsageFacts) proxy.UsageFacts {
	s.Close()
	merged := proxy.UsageFacts{
		Model:        s.model,
		Provider:     header.Provider,
		InputTokens:  s.prompt,
		OutputTokens: s.completion,
	}
	if merged.Model == "" {
		merged.Model = header.Model
	}
	return merged
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// responseCapture wraps the client writer for the proxy leg: it records
// status and size, snapshots the adapter's usage headers and strips them
// from the client copy, and tees event streams through the usage scanner.
// Flush passes through so streaming stays live.
type responseCapture struct {
	http.ResponseWriter

	status   int
	written  bool
	bytesOut int64

	facts   proxy.UsageFacts
	sse     bool
	scanner sseUsageScanner
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{ResponseWriter: w}
}

func (c *responseCapture) WriteHeader(code int) {
	if c.written {
		return
	}
	c.written = true
	c.status = code
	h := c.Header()
	c.facts = proxy.FactsFromHeader(h)
	proxy.StripAdapterHeaders(h)
	c.sse = isEventStream(h)
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(p []byte) (int, error) {
	if !c.written {
		c.WriteHeader(http.StatusOK)
	}
	if c.sse {
		c.scanner.Scan(p)
	}
	n, err := c.ResponseWriter.Write(p)
	c.bytesOut += int64(n)
	return n, err
}

func (c *responseCapture) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *responseCapture) Unwrap() http.ResponseWriter { return c.ResponseWriter }

func (c *responseCapture) Written() bool { return c.written }

func (c *responseCapture) Status() int {
	if !c.written {
		return 0
	}
	return c.status
}

func (c *responseCapture) BytesWritten() int64 { return c.bytesOut }

func (c *responseCapture) Streamed() bool { return c.sse }

// UsageFacts returns the response's accounting facts: parsed usage frames
// for event streams, adapter headers otherwise.
func (c *responseCapture) UsageFacts() proxy.UsageFacts {
	if c.sse {
		return c.scanner.facts(c.facts)
	}
	return c.facts
}

// bufferedCapture withholds a response body for output screening. Event
// streams, non-2xx statuses, and bodies over the limit degrade to live
// passthrough and are never screened.
type bufferedCapture struct {
	dst   *responseCapture
	limit int64

	status      int
	headerDone  bool
	passthrough bool
	facts       proxy.UsageFacts
	buf         bytes.Buffer
}

func newBufferedCapture(dst *responseCapture, limit int64) *bufferedCapture {
	return &bufferedCapture{dst: dst, limit: limit}
}

func (b *bufferedCapture) Header() http.Header { return b.dst.Header() }

func (b *bufferedCapture) WriteHeader(code int) {
	if b.headerDone {
		return
	}
	b.headerDone = true
	b.status = code
	b.facts = proxy.FactsFromHeader(b.dst.Header())
	if !screenableResponse(b.dst.Header(), code) {
		b.passthrough = true
		b.dst.WriteHeader(code)
	}
}

// screenableResponse excludes event streams, non-success statuses, and
// encoded bodies the screener could not read.
func screenableResponse(h http.Header, code int) bool {
	if isEventStream(h) || code < 200 || code >= 300 {
		return false
	}
	enc := h.Get("Content-Encoding")
	return enc == "" || strings.EqualFold(enc, "identity")
}

func (b *bufferedCapture) Write(p []byte) (int, error) {
	if !b.headerDone {
		b.WriteHeader(http.StatusOK)
	}
	if b.passthrough {
		return b.dst.Write(p)
	}
	if int64(b.buf.Len()+len(p)) > b.limit {
		// Too big to screen; stream out what is held and give up.
		b.passthrough = true
		b.dst.WriteHeader(b.status)
		if b.buf.Len() > 0 {
			if _, err := b.dst.Write(b.buf.Bytes()); err != nil {
				return 0, err
			}
			b.buf.Reset()
		}
		return b.dst.Write(p)
	}
	return b.buf.Write(p)
}

func (b *bufferedCapture) Flush() {
	if b.passthrough {
		b.dst.Flush()
	}
}

func (b *bufferedCapture) Unwrap() http.ResponseWriter { return b.dst }

func (b *bufferedCapture) Written() bool { return b.passthrough && b.dst.Written() }

// Screenable reports whether the whole response is held for screening.
func (b *bufferedCapture) Screenable() bool { return b.headerDone && !b.passthrough }

func (b *bufferedCapture) Body() []byte { return b.buf.Bytes() }

func (b *bufferedCapture) Status() int {
	if b.passthrough || !b.headerDone {
		return b.dst.Status()
	}
	return b.status
}

func (b *bufferedCapture) Streamed() bool { return b.dst.Streamed() }

// UsageFacts are valid whether the body is released or replaced.
func (b *bufferedCapture) UsageFacts() proxy.UsageFacts {
	if b.passthrough {
		return b.dst.UsageFacts()
	}
	return b.facts
}

// Release writes the held response through to the client.
func (b *bufferedCapture) Release() error {
	if b.passthrough || !b.headerDone {
		return nil
	}
	b.dst.WriteHeader(b.status)
	_, err := b.dst.Write(b.buf.Bytes())
	b.buf.Reset()
	return err
}

// Discard drops the held body; the caller writes the replacement response.
func (b *bufferedCapture) Discard() { b.buf.Reset() }

// gatedCapture withholds the upstream response while a screening race is
// undecided. Writes are scanned for usage before the gate so a discarded
// stream still reconciles; Release flushes staged headers and body and turns
// the writer into a live passthrough.
type gatedCapture struct {
	mu sync.Mutex

	dst    *responseCapture
	header http.Header

	status     int
	headerDone bool
	headerSent bool
	released   bool
	discarded  bool

	facts   proxy.UsageFacts
	sse     bool
	scanner sseUsageScanner
	buf     bytes.Buffer
}

func newGatedCapture(dst *responseCapture) *gatedCapture {
	return &gatedCapture{dst: dst, header: make(http.Header)}
}

func (g *gatedCapture) Header() http.Header {
	return g.header
}

func (g *gatedCapture) WriteHeader(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeHeaderLocked(code)
}

func (g *gatedCapture) writeHeaderLocked(code int) {
	if g.headerDone {
		return
	}
	g.headerDone = true
	g.status = code
	g.facts = proxy.FactsFromHeader(g.header)
	g.sse = isEventStream(g.header)
	if g.released {
		g.forwardHeaderLocked()
	}
}

func (g *gatedCapture) forwardHeaderLocked() {
	if g.headerSent {
		return
	}
	g.headerSent = true
	dst := g.dst.Header()
	for key, values := range g.header {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	g.dst.WriteHeader(g.status)
}

func (g *gatedCapture) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.headerDone {
		g.writeHeaderLocked(http.StatusOK)
	}
	if g.sse {
		g.scanner.Scan(p)
	}
	if g.discarded {
		return len(p), nil
	}
	if g.released {
		return g.dst.Write(p)
	}
	return g.buf.Write(p)
}

func (g *gatedCapture) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released && g.headerSent {
		g.dst.Flush()
	}
}

func (g *gatedCapture) Unwrap() http.ResponseWriter { return g.dst }

func (g *gatedCapture) Written() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.headerSent
}

// Release opens the gate: anything staged flushes to the client and later
// writes pass straight through.
func (g *gatedCapture) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released || g.discarded {
		return
	}
	g.released = true
	if !g.headerDone {
		return
	}
	g.forwardHeaderLocked()
	if g.buf.Len() > 0 {
		_, _ = g.dst.Write(g.buf.Bytes())
		g.buf.Reset()
		g.dst.Flush()
	}
}

// Discard swallows the response. The stream keeps draining through the
// usage scanner so its accounting survives.
func (g *gatedCapture) Discard() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.discarded = true
	g.buf.Reset()
}

func (g *gatedCapture) Status() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.headerDone {
		return 0
	}
	return g.status
}

func (g *gatedCapture) Streamed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sse
}

// UsageFacts are valid for released and discarded responses alike.
func (g *gatedCapture) UsageFacts() proxy.UsageFacts {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sse {
		return g.scanner.facts(g.facts)
	}
	return g.facts
}
