package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
	"github.com/ScriptSmith/hadrian-sub008/pkg/circuitbreaker"
)

// WebhookConfig configures a generic screening endpoint.
type WebhookConfig struct {
	Name             string
	URL              string
	APIKey           string
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *zap.Logger
}

// WebhookProvider posts content to an external screening service and maps
// its JSON verdict onto a Result. The endpoint receives
// {content, direction, request_id, org_id, metadata} and answers
// {passed, action, redacted, violations}.
type WebhookProvider struct {
	name       string
	url        string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
}

type webhookRequest struct {
	Content   string            `json:"content"`
	Direction string            `json:"direction"`
	RequestID string            `json:"request_id,omitempty"`
	OrgID     string            `json:"org_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type webhookResponse struct {
	Passed     bool              `json:"passed"`
	Action     string            `json:"action,omitempty"`
	Redacted   string            `json:"redacted,omitempty"`
	Violations []types.Violation `json:"violations,omitempty"`
}

func NewWebhookProvider(cfg *WebhookConfig) *WebhookProvider {
	name := cfg.Name
	if name == "" {
		name = "webhook"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookProvider{
		name:       name,
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(cfg.FailureThreshold, cfg.Cooldown),
		logger:     logger.Named("webhook"),
	}
}

func (w *WebhookProvider) Name() string { return w.name }

func (w *WebhookProvider) Type() string { return "webhook" }

func (w *WebhookProvider) Evaluate(ctx context.Context, input *types.Input) (*types.Result, error) {
	start := time.Now()

	if strings.TrimSpace(input.Content) == "" {
		return &types.Result{Passed: true, Action: types.ActionAllow}, nil
	}
	if !w.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", w.name, ErrBreakerOpen)
	}

	body, err := json.Marshal(webhookRequest{
		Content:   input.Content,
		Direction: string(input.Direction),
		RequestID: input.RequestID,
		OrgID:     input.OrgID,
		Metadata:  input.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if input.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", input.RequestID)
	}
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		w.breaker.Failure()
		return nil, types.Retryable(fmt.Errorf("failed to call webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.breaker.Failure()
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, types.Retryable(err)
		}
		return nil, err
	}

	var wr webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		w.breaker.Failure()
		return nil, fmt.Errorf("failed to decode webhook response: %w", err)
	}
	w.breaker.Success()

	result := &types.Result{
		Passed:     wr.Passed,
		Action:     types.ActionAllow,
		Violations: wr.Violations,
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	switch types.Action(wr.Action) {
	case types.ActionRedact:
		if wr.Redacted != "" {
			result.Passed = true
			result.Action = types.ActionRedact
			result.Redacted = wr.Redacted
		}
	case types.ActionBlock:
		result.Passed = false
		result.Action = types.ActionBlock
	default:
		if !wr.Passed {
			result.Action = types.ActionBlock
		}
	}
	return result, nil
}
