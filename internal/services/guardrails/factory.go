package guardrails

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/providers"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/guardrails/types"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/tokens"
)

// Service holds the input and output evaluator chains built from
// configuration, plus the knobs the gateway needs to drive them.
type Service struct {
	Input  *Evaluator
	Output *Evaluator

	// MaxBufferBytes caps how much of a response body output screening
	// will buffer. Larger responses pass through unscreened.
	MaxBufferBytes int64
}

// Concurrent reports whether input screening races the upstream call.
func (s *Service) Concurrent() bool {
	return s.Input.Policy().Mode == ModeConcurrent && !s.Input.Empty()
}

// NewService builds both evaluator chains from configuration. Disabled
// provider entries are skipped; a provider with direction "both" joins both
// chains sharing one instance, so HTTP providers share a circuit breaker
// across directions.
func NewService(cfg *config.GuardrailsConfig, estimator *tokens.Estimator, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := Policy{
		Mode:      Mode(cfg.Mode),
		Timeout:   cfg.Timeout,
		OnError:   FailAction(cfg.OnError),
		OnTimeout: FailAction(cfg.OnTimeout),
	}

	var input, output []BoundProvider
	for i := range cfg.Providers {
		pc := &cfg.Providers[i]
		if !pc.Enabled {
			continue
		}
		provider, err := buildProvider(pc, estimator, logger)
		if err != nil {
			return nil, fmt.Errorf("guardrail provider %q: %w", pc.Name, err)
		}
		bound := BoundProvider{
			Provider:      provider,
			SeverityFloor: severityFloor(pc.SeverityThreshold),
		}
		switch strings.ToLower(pc.Direction) {
		case "", "input":
			input = append(input, bound)
		case "output":
			output = append(output, bound)
		case "both":
			input = append(input, bound)
			output = append(output, bound)
		default:
			return nil, fmt.Errorf("guardrail provider %q: unknown direction %q", pc.Name, pc.Direction)
		}
	}

	maxBuffer := cfg.MaxBufferBytes
	if maxBuffer <= 0 {
		maxBuffer = 1 << 20
	}

	return &Service{
		Input:          NewEvaluator(types.DirectionInput, input, policy, logger),
		Output:         NewEvaluator(types.DirectionOutput, output, policy, logger),
		MaxBufferBytes: maxBuffer,
	}, nil
}

func buildProvider(pc *config.GuardrailProviderConfig, estimator *tokens.Estimator, logger *zap.Logger) (types.Provider, error) {
	switch pc.Type {
	case "regex_pii":
		return providers.NewPIIDetector(&providers.PIIConfig{
			Name:       pc.Name,
			Categories: pc.Categories,
			Redact:     pc.Redact,
		}), nil

	case "blocklist":
		if len(pc.Blocklist) == 0 {
			return nil, fmt.Errorf("blocklist requires at least one term")
		}
		return providers.NewBlocklist(&providers.BlocklistConfig{
			Name:  pc.Name,
			Terms: pc.Blocklist,
		}), nil

	case "length":
		if pc.MaxChars <= 0 && pc.MaxTokens <= 0 {
			return nil, fmt.Errorf("length requires max_chars or max_tokens")
		}
		return providers.NewLengthLimit(&providers.LengthConfig{
			Name:      pc.Name,
			MaxChars:  pc.MaxChars,
			MaxTokens: pc.MaxTokens,
			Estimator: estimator,
		}), nil

	case "moderation":
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("moderation requires base_url")
		}
		return providers.NewModerationProvider(&providers.ModerationConfig{
			Name:             pc.Name,
			BaseURL:          pc.BaseURL,
			APIKey:           pc.APIKey,
			Threshold:        pc.Threshold,
			Categories:       pc.Categories,
			Timeout:          pc.Timeout,
			FailureThreshold: pc.FailureThreshold,
			Cooldown:         pc.Cooldown,
			Logger:           logger,
		}), nil

	case "webhook":
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("webhook requires base_url")
		}
		return providers.NewWebhookProvider(&providers.WebhookConfig{
			Name:             pc.Name,
			URL:              pc.BaseURL,
			APIKey:           pc.APIKey,
			Timeout:          pc.Timeout,
			FailureThreshold: pc.FailureThreshold,
			Cooldown:         pc.Cooldown,
			Logger:           logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

func severityFloor(s string) types.Severity {
	switch strings.ToLower(s) {
	case string(types.SeverityMedium):
		return types.SeverityMedium
	case string(types.SeverityHigh):
		return types.SeverityHigh
	case string(types.SeverityCritical):
		return types.SeverityCritical
	default:
		return types.SeverityLow
	}
}
