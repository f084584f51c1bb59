// Package gateway is the admission pipeline. Every proxied request is
// authenticated, authorized, priced, admitted against budgets and rate
// windows, screened, forwarded, and settled against its reservation after
// the response goes out.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/gateway/apierror"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/proxy"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/admission"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/tokens"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
)

// HeaderRequestID carries the request id to clients and upstream alike. An
// inbound value is honored only from trusted peers.
const HeaderRequestID = "X-Request-Id"

const (
	headerRetryAfter = "Retry-After"

	headerRateLimitPrefix  = "X-RateLimit"
	headerTokenLimitPrefix = "X-RateLimit-Tokens"

	headerBudgetWarning    = "X-Budget-Warning"
	headerBudgetPercentage = "X-Budget-Spend-Percentage"
	headerBudgetSpent      = "X-Budget-Current-Spend-Cents"
	headerBudgetLimit      = "X-Budget-Limit-Cents"
	headerBudgetPeriod     = "X-Budget-Period"

	headerGuardrailsMode       = "X-Guardrails-Mode"
	headerGuardrailsRaceWinner = "X-Guardrails-Race-Winner"
	headerGuardrailsInput      = "X-Guardrails-Input-Result"
	headerGuardrailsOutput     = "X-Guardrails-Output-Result"
	headerGuardrailsViolations = "X-Guardrails-Violations"
	headerGuardrailsLatency    = "X-Guardrails-Latency-Ms"
	headerLLMLatency           = "X-LLM-Latency-Ms"
)

// completionTimeout bounds the off-path settlement work for one request.
const completionTimeout = 10 * time.Second

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Config     *config.Config
	Logger     *zap.Logger
	Auth       *auth.Authenticator
	Admission  *admission.Controller
	Guardrails *guardrails.Service
	Forwarder  *proxy.Forwarder
	Reconciler *usage.Reconciler
	Usage      *usage.Buffer
	Audit      *audit.Logger
	Estimator  *tokens.Estimator
}

// Pipeline is the http.Handler for proxied LLM traffic.
type Pipeline struct {
	logger     *zap.Logger
	trust      *ProxyTrust
	auth       *auth.Authenticator
	admission  *admission.Controller
	guardrails *guardrails.Service
	forwarder  *proxy.Forwarder
	reconciler *usage.Reconciler
	usage      *usage.Buffer
	audit      *audit.Logger
	asks       *askReader

	pricing        map[string]config.ModelPrice
	exceededStatus int

	tasks sync.WaitGroup
}

func NewPipeline(pc *PipelineConfig) (*Pipeline, error) {
	switch {
	case pc.Config == nil:
		return nil, errors.New("config is required")
	case pc.Auth == nil:
		return nil, errors.New("authenticator is required")
	case pc.Admission == nil:
		return nil, errors.New("admission controller is required")
	case pc.Forwarder == nil:
		return nil, errors.New("forwarder is required")
	case pc.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	case pc.Usage == nil:
		return nil, errors.New("usage buffer is required")
	}

	trust, err := NewProxyTrust(pc.Config.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted_proxies: %w", err)
	}

	logger := pc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rails := pc.Guardrails
	if rails == nil {
		rails = &guardrails.Service{
			Input:  guardrails.NewEvaluator(types.DirectionInput, nil, guardrails.Policy{}, nil),
			Output: guardrails.NewEvaluator(types.DirectionOutput, nil, guardrails.Policy{}, nil),
		}
	}

	p := &Pipeline{
		logger:         logger.Named("gateway"),
		trust:          trust,
		auth:           pc.Auth,
		admission:      pc.Admission,
		guardrails:     rails,
		forwarder:      pc.Forwarder,
		reconciler:     pc.Reconciler,
		usage:          pc.Usage,
		audit:          pc.Audit,
		asks:           newAskReader(pc.Config, pc.Estimator),
		pricing:        pc.Config.Pricing.Models,
		exceededStatus: pc.Config.Limits.Budgets.ExceededStatus,
	}

	if p.guardrails.Concurrent() && !p.guardrails.Output.Empty() {
		// The gate releases responses live, so there is no body left to hold.
		p.logger.Warn("Output guardrails are not evaluated in concurrent mode")
	}
	return p, nil
}

// Drain waits for in-flight settlement work, bounded by ctx.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	trusted := p.trust.Trusted(r.RemoteAddr)
	requestID := requestIDFor(r, trusted)
	w.Header().Set(HeaderRequestID, requestID)
	clientIP := p.trust.ClientIP(r)

	principal, aerr := p.admitPrincipal(r, trusted, requestID, clientIP)
	if aerr != nil {
		apierror.Write(w, aerr)
		return
	}

	ask, aerr := p.asks.Read(w, r)
	if aerr != nil {
		apierror.Write(w, aerr)
		return
	}

	decision, err := p.admission.Check(r.Context(), &admission.Request{
		PrincipalID:        principal.LimitKey(),
		ActorType:          principal.ActorType(),
		BudgetLimitCents:   principal.BudgetLimitCents,
		BudgetPeriod:       principal.BudgetPeriod,
		TPM:                principal.TPM,
		RPM:                principal.RPM,
		EstimatedCostCents: ask.EstimatedCostCents,
		EstimatedTokens:    ask.EstimatedTokens,
		RequestID:          requestID,
		IP:                 clientIP,
	})
	if err != nil {
		p.logger.Error("Admission check failed",
			zap.String("request_id", requestID), zap.Error(err))
		apierror.Write(w, apierror.Wrap(apierror.KindInternal, "", err))
		return
	}
	if !decision.Allowed {
		p.writeRejection(w, decision)
		return
	}

	rateStatusHeaders(w.Header(), decision.Rates)
	if decision.Budget != nil && decision.Budget.Warning {
		budgetStatusHeaders(w.Header(), decision.Budget)
	}

	// The adapter sees the same request id the client does.
	r.Header.Set(HeaderRequestID, requestID)

	c := &completion{
		requestID: requestID,
		endpoint:  r.URL.Path,
		principal: principal,
		ask:       ask,
		receipt:   decision.Receipt,
		started:   start,
	}

	if p.guardrails.Concurrent() {
		p.forwardRaced(w, r, c)
		return
	}
	p.forwardBlocking(w, r, c)
}

// admitPrincipal authenticates the request and enforces scope and IP policy.
func (p *Pipeline) admitPrincipal(r *http.Request, trusted bool, requestID, clientIP string) (*auth.Principal, *apierror.Error) {
	principal, err := p.auth.Authenticate(r.Context(), r, trusted)
	if err != nil {
		e := AuthError(err)
		p.auditAuthFailure(nil, requestID, clientIP, string(e.Kind))
		return nil, e
	}
	if err := auth.RequireScope(principal, auth.ScopeChat); err != nil {
		p.auditAuthFailure(principal, requestID, clientIP, string(apierror.KindInsufficientScope))
		return nil, apierror.Wrap(apierror.KindInsufficientScope, "", err)
	}
	if err := auth.CheckIP(principal, clientIP); err != nil {
		p.auditAuthFailure(principal, requestID, clientIP, string(apierror.KindIPNotAllowed))
		return nil, apierror.Wrap(apierror.KindIPNotAllowed, "", err)
	}
	return principal, nil
}

// forwardBlocking runs input screening to completion before the upstream
// call, and holds non-streamed responses for output screening when an output
// chain is configured.
func (p *Pipeline) forwardBlocking(w http.ResponseWriter, r *http.Request, c *completion) {
	orgID := orgIDOf(c.principal)

	if in := p.guardrails.Input; !in.Empty() {
		out := in.Evaluate(r.Context(), c.ask.Content, c.requestID, orgID)
		guardrailHeaders(w.Header(), headerGuardrailsInput, out)
		if !out.Allowed {
			p.blockRequest(w, c, out)
			return
		}
		if out.Redacted {
			if !p.asks.RewriteRedacted(r, c.ask, out.Content) {
				p.logger.Warn("Redacted content no longer lines up with the body, forwarding original",
					zap.String("request_id", c.requestID))
			}
		}
	}

	capture := newResponseCapture(w)
	var buffered *bufferedCapture
	var sink http.ResponseWriter = capture
	if !p.guardrails.Output.Empty() {
		buffered = newBufferedCapture(capture, p.guardrails.MaxBufferBytes)
		sink = buffered
	}

	p.forwarder.Forward(sink, r)

	c.upstreamStatus = capture.Status()
	if buffered != nil {
		c.upstreamStatus = buffered.Status()
		if buffered.Screenable() {
			p.screenOutput(r.Context(), capture, buffered, c, orgID)
		}
	}

	c.clientStatus = capture.Status()
	c.streamed = capture.Streamed()
	c.facts = capture.UsageFacts()
	c.recordUsage = true
	p.complete(c)
}

// screenOutput evaluates a fully held response and releases, redacts, or
// replaces it.
func (p *Pipeline) screenOutput(ctx context.Context, capture *responseCapture, buffered *bufferedCapture, c *completion, orgID string) {
	body := buffered.Body()
	segments, doc := responseSegments(body)
	content := string(body)
	if len(segments) > 0 {
		content = strings.Join(segments, segmentSeparator)
	}

	out := p.guardrails.Output.Evaluate(ctx, content, c.requestID, orgID)
	guardrailHeaders(capture.Header(), headerGuardrailsOutput, out)

	if !out.Allowed {
		buffered.Discard()
		p.auditGuardrailBlock(c, out, types.DirectionOutput)
		h := capture.Header()
		h.Del("Content-Length")
		h.Del("Content-Type")
		kind := apierror.KindGuardrailsBlocked
		if out.TimedOut {
			kind = apierror.KindGuardrailsTimeout
		}
		e := apierror.New(kind, blockedMessage("response", out)).WithStatus(http.StatusBadGateway)
		apierror.Write(capture, e)
		return
	}

	if out.Redacted && doc != nil {
		if texts := strings.Split(out.Content, segmentSeparator); len(texts) == len(segments) {
			if rebuilt, ok := rebuildResponse(doc, texts); ok {
				status := buffered.Status()
				buffered.Discard()
				capture.Header().Del("Content-Length")
				capture.WriteHeader(status)
				if _, err := capture.Write(rebuilt); err != nil {
					p.logger.Debug("Failed to write redacted response",
						zap.String("request_id", c.requestID), zap.Error(err))
				}
				return
			}
		}
		p.logger.Warn("Redacted response no longer lines up with the body, releasing original",
			zap.String("request_id", c.requestID))
	}

	if err := buffered.Release(); err != nil {
		p.logger.Debug("Failed to flush screened response",
			zap.String("request_id", c.requestID), zap.Error(err))
	}
}

// forwardRaced starts input screening and the upstream call together and
// gates the response on the verdict. A passing verdict releases the response
// live, mid-stream when the upstream is still producing it.
func (p *Pipeline) forwardRaced(w http.ResponseWriter, r *http.Request, c *completion) {
	orgID := orgIDOf(c.principal)
	capture := newResponseCapture(w)
	gated := newGatedCapture(capture)

	res := guardrails.Race(r.Context(), p.guardrails.Input, c.ask.Content, c.requestID, orgID,
		func(callCtx context.Context) (int, error) {
			p.forwarder.Forward(gated, r.WithContext(callCtx))
			return gated.Status(), nil
		},
		func(res *guardrails.RaceResult[int]) {
			h := gated.Header()
			if !res.Released {
				h = capture.Header()
			}
			h.Set(headerGuardrailsMode, string(guardrails.ModeConcurrent))
			h.Set(headerGuardrailsRaceWinner, string(res.Winner))
			guardrailHeaders(h, headerGuardrailsInput, res.Verdict)
			if res.UpstreamDone {
				h.Set(headerLLMLatency, strconv.FormatInt(res.UpstreamElapsed.Milliseconds(), 10))
			}
			if res.Released {
				gated.Release()
			} else {
				gated.Discard()
			}
		})

	if !res.Released && !res.Verdict.Allowed {
		out := res.Verdict
		p.auditGuardrailBlock(c, out, types.DirectionInput)
		if r.Context().Err() == nil {
			kind := apierror.KindGuardrailsBlocked
			if out.TimedOut {
				kind = apierror.KindGuardrailsTimeout
			}
			capture.Header().Del("Content-Length")
			apierror.Write(capture, apierror.New(kind, blockedMessage("request", out)))
		}
	}

	c.upstreamStatus = gated.Status()
	c.clientStatus = capture.Status()
	c.streamed = gated.Streamed()
	c.facts = gated.UsageFacts()
	// A discarded response that never arrived has nothing to record.
	c.recordUsage = c.upstreamStatus != 0
	p.complete(c)
}

// blockRequest rejects before the upstream call; the reservation is refunded
// in full.
func (p *Pipeline) blockRequest(w http.ResponseWriter, c *completion, out *guardrails.Outcome) {
	p.auditGuardrailBlock(c, out, types.DirectionInput)

	c.upstreamStatus = 0
	c.recordUsage = false
	p.complete(c)

	kind := apierror.KindGuardrailsBlocked
	if out.TimedOut {
		kind = apierror.KindGuardrailsTimeout
	}
	apierror.Write(w, apierror.New(kind, blockedMessage("request", out)))
}

func (p *Pipeline) writeRejection(w http.ResponseWriter, d *admission.Decision) {
	h := w.Header()
	rateStatusHeaders(h, d.Rates)
	budgetStatusHeaders(h, d.Budget)
	if d.RetryAfterSecs > 0 {
		h.Set(headerRetryAfter, strconv.Itoa(d.RetryAfterSecs))
	}

	if d.Reason == admission.RejectBudget {
		e := apierror.New(apierror.KindBudgetExceeded, "")
		if p.exceededStatus != 0 {
			e = e.WithStatus(p.exceededStatus)
		}
		apierror.Write(w, e)
		return
	}
	apierror.Write(w, apierror.New(apierror.KindRateLimitExceeded, ""))
}

// completion carries everything settlement needs once the response is done.
type completion struct {
	requestID string
	endpoint  string
	principal *auth.Principal
	ask       *Ask
	receipt   *admission.Receipt
	started   time.Time

	// upstreamStatus judges whether the provider did billable work;
	// clientStatus is what the caller saw. They differ when a finished
	// response is discarded or replaced.
	upstreamStatus int
	clientStatus   int
	streamed       bool
	facts          proxy.UsageFacts
	recordUsage    bool
}

// complete settles the request off the response path: the reservation is
// reconciled against measured usage and the usage record is buffered.
func (p *Pipeline) complete(c *completion) {
	elapsed := time.Since(c.started)
	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error("Panic settling request",
					zap.Any("panic", rec),
					zap.String("request_id", c.requestID))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()

		actual, source := p.measure(c)
		p.reconciler.Reconcile(ctx, c.receipt, actual)
		if c.recordUsage {
			p.usage.Push(p.usageRecord(c, actual, source, elapsed))
		}
	}()
}

// measure turns response facts into the reconciler's actuals. When the
// adapter reported tokens but no cost, the pricing table fills it in; that is
// the normal path for streams.
func (p *Pipeline) measure(c *completion) (*usage.Actual, string) {
	if c.upstreamStatus < 200 || c.upstreamStatus >= 300 {
		return &usage.Actual{Failed: true}, ""
	}

	actual := &usage.Actual{
		CostMicrocents: c.facts.CostMicrocents,
		TotalTokens:    c.facts.TotalTokens(),
	}
	source := c.facts.PricingSource
	if source == "" && actual.CostMicrocents != nil {
		source = "adapter"
	}

	if actual.CostMicrocents == nil && actual.TotalTokens != nil {
		model := c.facts.Model
		if model == "" {
			model = c.ask.Model
		}
		if price, ok := p.pricing[model]; ok {
			var in, out int64
			if c.facts.InputTokens != nil {
				in = *c.facts.InputTokens
			}
			if c.facts.OutputTokens != nil {
				out = *c.facts.OutputTokens
			}
			cost := costMicrocents(price, in, out)
			actual.CostMicrocents = &cost
			source = "pricing_table"
		}
	}
	return actual, source
}

func (p *Pipeline) usageRecord(c *completion, actual *usage.Actual, source string, elapsed time.Duration) *usage.Record {
	rec := &usage.Record{
		RequestID:      c.requestID,
		APIKeyID:       c.principal.KeyID,
		OrganizationID: c.principal.OrgID,
		UserID:         c.principal.UserID,
		Model:          c.facts.Model,
		Provider:       c.facts.Provider,
		Endpoint:       c.endpoint,
		StatusCode:     c.clientStatus,
		LatencyMs:      elapsed.Milliseconds(),
		Stream:         c.streamed,
		PricingSource:  source,
		Timestamp:      time.Now().UTC(),
	}
	if rec.Model == "" {
		rec.Model = c.ask.Model
	}
	if rec.StatusCode == 0 {
		rec.StatusCode = c.upstreamStatus
	}

	if total := c.facts.TotalTokens(); total != nil {
		if c.facts.InputTokens != nil {
			rec.PromptTokens = *c.facts.InputTokens
		}
		if c.facts.OutputTokens != nil {
			rec.CompletionTokens = *c.facts.OutputTokens
		}
		rec.TotalTokens = *total
	} else if !actual.Failed {
		rec.PromptTokens = c.ask.EstimatedTokens
		rec.TotalTokens = c.ask.EstimatedTokens
		rec.Estimated = true
	}

	if actual.CostMicrocents != nil {
		rec.CostMicrocents = *actual.CostMicrocents
	} else if !actual.Failed {
		rec.CostMicrocents = c.ask.EstimatedCostCents * admission.MicrocentsPerCent
		rec.Estimated = true
	}
	return rec
}

func (p *Pipeline) auditAuthFailure(principal *auth.Principal, requestID, clientIP, reason string) {
	if p.audit == nil {
		return
	}
	event := &audit.Event{
		Type:      models.AuditAuthFailed,
		Decision:  "denied",
		Reason:    reason,
		IP:        clientIP,
		RequestID: requestID,
	}
	if principal != nil {
		event.ActorType = principal.ActorType()
		event.ActorID = principal.LimitKey()
	}
	p.audit.Record(event)
}

func (p *Pipeline) auditGuardrailBlock(c *completion, out *guardrails.Outcome, direction types.Direction) {
	if p.audit == nil {
		return
	}
	p.audit.Record(&audit.Event{
		Type:      models.AuditGuardrailsBlocked,
		ActorType: c.principal.ActorType(),
		ActorID:   c.principal.LimitKey(),
		Decision:  "blocked",
		Reason:    out.DecidingCategory(),
		RequestID: c.requestID,
		Metadata: map[string]interface{}{
			"direction": string(direction),
			"provider":  out.Provider,
			"verdict":   string(out.Verdict),
		},
	})
}

// AuthError maps authentication failures onto wire error kinds. Key lookup
// misses and format rejections share one client-visible message so probes
// cannot tell registered keys from unregistered ones. The admin middleware
// shares this mapping.
func AuthError(err error) *apierror.Error {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return apierror.New(apierror.KindMissingCredentials, "")
	case errors.Is(err, auth.ErrAmbiguousCredentials):
		return apierror.New(apierror.KindAmbiguousCredentials, "")
	case errors.Is(err, auth.ErrInvalidKeyFormat):
		return apierror.New(apierror.KindInvalidAPIKeyFormat, "")
	case errors.Is(err, auth.ErrExpiredKey):
		return apierror.New(apierror.KindExpiredAPIKey, "")
	case errors.Is(err, auth.ErrInvalidKey):
		return apierror.New(apierror.KindInvalidAPIKey, "")
	case errors.Is(err, auth.ErrExpiredToken):
		return apierror.New(apierror.KindExpiredToken, "")
	case errors.Is(err, auth.ErrInvalidToken):
		return apierror.New(apierror.KindInvalidToken, "")
	default:
		return apierror.Wrap(apierror.KindInternal, "", err)
	}
}

func requestIDFor(r *http.Request, trusted bool) string {
	if trusted {
		if id := strings.TrimSpace(r.Header.Get(HeaderRequestID)); id != "" && len(id) <= 128 {
			return id
		}
	}
	return uuid.NewString()
}

func orgIDOf(p *auth.Principal) string {
	if p.OrgID != nil {
		return p.OrgID.String()
	}
	return ""
}

// rateStatusHeaders writes one requests window and one tokens window. The
// controller lists minute windows before day windows, so the tighter one
// wins when both are configured.
func rateStatusHeaders(h http.Header, rates []admission.RateStatus) {
	for _, rs := range rates {
		prefix := headerRateLimitPrefix
		if rs.Scope == admission.ScopeTokensMinute || rs.Scope == admission.ScopeTokensDay {
			prefix = headerTokenLimitPrefix
		}
		if h.Get(prefix+"-Limit") != "" {
			continue
		}
		h.Set(prefix+"-Limit", strconv.FormatInt(rs.Limit, 10))
		h.Set(prefix+"-Remaining", strconv.FormatInt(max(rs.Remaining, 0), 10))
		h.Set(prefix+"-Reset", strconv.Itoa(rs.ResetSecs))
	}
}

func budgetStatusHeaders(h http.Header, b *admission.BudgetStatus) {
	if b == nil {
		return
	}
	if b.Warning {
		h.Set(headerBudgetWarning, "true")
	}
	h.Set(headerBudgetPercentage, strconv.FormatFloat(b.UsedPercent, 'f', 1, 64))
	h.Set(headerBudgetSpent, strconv.FormatInt(b.SpendMicrocents/admission.MicrocentsPerCent, 10))
	h.Set(headerBudgetLimit, strconv.FormatInt(b.LimitMicrocents/admission.MicrocentsPerCent, 10))
	h.Set(headerBudgetPeriod, string(b.Period))
}

func guardrailHeaders(h http.Header, name string, out *guardrails.Outcome) {
	h.Set(name, string(out.Verdict))
	h.Set(headerGuardrailsLatency, strconv.FormatInt(out.Elapsed.Milliseconds(), 10))
	if cats := violationCategories(out); cats != "" {
		h.Set(headerGuardrailsViolations, cats)
	}
}

// violationCategories joins blocking and downgraded findings, deciding one
// first, without repeats.
func violationCategories(out *guardrails.Outcome) string {
	var cats []string
	seen := make(map[string]bool)
	for _, v := range out.Violations {
		if !seen[v.Category] {
			seen[v.Category] = true
			cats = append(cats, v.Category)
		}
	}
	for _, v := range out.Warnings {
		if !seen[v.Category] {
			seen[v.Category] = true
			cats = append(cats, v.Category)
		}
	}
	return strings.Join(cats, ",")
}

func blockedMessage(subject string, out *guardrails.Outcome) string {
	if out.TimedOut {
		return "content screening timed out"
	}
	if cats := out.Categories(); cats != "" {
		return subject + " blocked by content policy: " + cats
	}
	return subject + " blocked by content policy"
}
