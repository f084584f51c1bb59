package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
	"github.com/ScriptSmith/hadrian-sub008/pkg/circuitbreaker"
)

// ErrBreakerOpen is returned instead of making a network call while a
// provider's circuit breaker is open. It is not retryable; the evaluator
// applies the on_error policy directly.
var ErrBreakerOpen = errors.New("circuit breaker open")

// ModerationConfig configures an OpenAI-compatible moderation endpoint.
type ModerationConfig struct {
	Name    string
	BaseURL string
	APIKey  string

	// Threshold is the category score at or above which a violation is
	// raised. Zero means 0.5.
	Threshold float64

	// Categories limits violations to the named categories. Empty takes
	// every category the endpoint reports.
	Categories []string

	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *zap.Logger
}

// ModerationProvider screens content through POST {base_url}/v1/moderations.
type ModerationProvider struct {
	name       string
	baseURL    string
	apiKey     string
	threshold  float64
	categories map[string]bool
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Results []moderationResult `json:"results"`
}

type moderationResult struct {
	Flagged        bool               `json:"flagged"`
	Categories     map[string]bool    `json:"categories"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

func NewModerationProvider(cfg *ModerationConfig) *ModerationProvider {
	name := cfg.Name
	if name == "" {
		name = "moderation"
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	categories := make(map[string]bool, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categories[strings.ToLower(strings.TrimSpace(c))] = true
	}

	return &ModerationProvider{
		name:       name,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		threshold:  threshold,
		categories: categories,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(cfg.FailureThreshold, cfg.Cooldown),
		logger:     logger.Named("moderation"),
	}
}

func (m *ModerationProvider) Name() string { return m.name }

func (m *ModerationProvider) Type() string { return "moderation" }

func (m *ModerationProvider) Evaluate(ctx context.Context, input *types.Input) (*types.Result, error) {
	start := time.Now()

	if strings.TrimSpace(input.Content) == "" {
		return &types.Result{Passed: true, Action: types.ActionAllow}, nil
	}
	if !m.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", m.name, ErrBreakerOpen)
	}

	body, err := json.Marshal(moderationRequest{Input: input.Content})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal moderation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/moderations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create moderation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		m.breaker.Failure()
		return nil, types.Retryable(fmt.Errorf("failed to call moderation endpoint: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.breaker.Failure()
		err := fmt.Errorf("moderation endpoint returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, types.Retryable(err)
		}
		return nil, err
	}

	var mr moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		m.breaker.Failure()
		return nil, fmt.Errorf("failed to decode moderation response: %w", err)
	}
	m.breaker.Success()

	result := &types.Result{
		Passed:    true,
		Action:    types.ActionAllow,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(mr.Results) == 0 {
		return result, nil
	}

	for category, score := range mr.Results[0].CategoryScores {
		if score < m.threshold {
			continue
		}
		if len(m.categories) > 0 && !m.categories[strings.ToLower(category)] {
			continue
		}
		result.Violations = append(result.Violations, types.Violation{
			Category:   category,
			Severity:   severityForScore(score),
			Confidence: score,
			Message:    fmt.Sprintf("moderation score %.2f over threshold %.2f", score, m.threshold),
		})
	}
	if len(result.Violations) > 0 {
		result.Passed = false
		result.Action = types.ActionBlock
	}
	return result, nil
}

func severityForScore(score float64) types.Severity {
	switch {
	case score >= 0.95:
		return types.SeverityCritical
	case score >= 0.8:
		return types.SeverityHigh
	case score >= 0.5:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}
