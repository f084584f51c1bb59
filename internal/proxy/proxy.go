// Package proxy forwards admitted requests to the upstream LLM service and
// defines the usage-header contract its adapter reports back with.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/gateway/apierror"
)

// Adapter usage headers. The upstream sets them on non-streamed responses;
// the gateway consumes them for reconciliation and strips them before the
// response reaches the client.
const (
	HeaderModel          = "X-Model"
	HeaderProvider       = "X-Provider"
	HeaderInputTokens    = "X-Input-Tokens"
	HeaderOutputTokens   = "X-Output-Tokens"
	HeaderCostMicrocents = "X-Cost-Microcents"
	HeaderProviderSource = "X-Provider-Source"
	HeaderPricingSource  = "X-Pricing-Source"
)

var adapterHeaders = []string{
	HeaderModel,
	HeaderProvider,
	HeaderInputTokens,
	HeaderOutputTokens,
	HeaderCostMicrocents,
	HeaderProviderSource,
	HeaderPricingSource,
}

// UsageFacts are the adapter's accounting claims about one response. Nil
// fields were absent, which is the norm for streams.
type UsageFacts struct {
	Model          string
	Provider       string
	InputTokens    *int64
	OutputTokens   *int64
	CostMicrocents *int64
	// PricingSource tags where the cost figure came from; usage rows keep
	// it so billing disputes can be traced.
	PricingSource string
}

// TotalTokens sums the token fields; nil when neither was reported.
func (f UsageFacts) TotalTokens() *int64 {
	if f.InputTokens == nil && f.OutputTokens == nil {
		return nil
	}
	var total int64
	if f.InputTokens != nil {
		total += *f.InputTokens
	}
	if f.OutputTokens != nil {
		total += *f.OutputTokens
	}
	return &total
}

// FactsFromHeader reads the adapter headers out of an upstream response.
func FactsFromHeader(h http.Header) UsageFacts {
	return UsageFacts{
		Model:          h.Get(HeaderModel),
		Provider:       h.Get(HeaderProvider),
		InputTokens:    headerInt64(h, HeaderInputTokens),
		OutputTokens:   headerInt64(h, HeaderOutputTokens),
		CostMicrocents: headerInt64(h, HeaderCostMicrocents),
		PricingSource:  h.Get(HeaderPricingSource),
	}
}

// StripAdapterHeaders removes the accounting headers so they never reach
// clients.
func StripAdapterHeaders(h http.Header) {
	for _, name := range adapterHeaders {
		h.Del(name)
	}
}

func headerInt64(h http.Header, name string) *int64 {
	raw := h.Get(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

// Config configures the forwarder.
type Config struct {
	// BaseURL is the upstream root; request paths are joined onto it.
	BaseURL string
	// Timeout bounds one whole exchange, including streaming. Zero means
	// no per-request deadline.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Forwarder is an httputil.ReverseProxy wrapper pointed at one upstream.
type Forwarder struct {
	target  *url.URL
	timeout time.Duration
	rp      *httputil.ReverseProxy
	logger  *zap.Logger
}

// New builds the forwarder. Streaming responses are flushed as they arrive.
func New(cfg *Config) (*Forwarder, error) {
	target, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream base URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream base URL %q needs a scheme and host", cfg.BaseURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Forwarder{
		target:  target,
		timeout: cfg.Timeout,
		logger:  logger.Named("proxy"),
	}
	f.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = target.Host
		},
		FlushInterval: -1,
		ErrorHandler:  f.handleError,
	}
	return f, nil
}

// Forward proxies one request under the configured timeout.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	f.rp.ServeHTTP(w, r.WithContext(ctx))
}

type headerWritten interface {
	Written() bool
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() == context.Canceled {
		// The caller abandoned the exchange; nobody is reading.
		return
	}
	f.logger.Warn("upstream request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	if hw, ok := w.(headerWritten); ok && hw.Written() {
		// Mid-stream failure: the status is already on the wire.
		return
	}
	apierror.Write(w, apierror.Wrap(apierror.KindProviderError, "", err))
}
