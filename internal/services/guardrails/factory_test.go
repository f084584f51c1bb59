package guardrails

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/tokens"
)

func TestNewService_BuildsChains(t *testing.T) {
	cfg := &config.GuardrailsConfig{
		Mode:      "concurrent",
		Timeout:   2 * time.Second,
		OnError:   "allow",
		OnTimeout: "block",
		Providers: []config.GuardrailProviderConfig{
			{Name: "pii", Type: "regex_pii", Enabled: true, Direction: "input", Redact: true},
			{Name: "terms", Type: "blocklist", Enabled: true, Direction: "both", Blocklist: []string{"secret"}},
			{Name: "size", Type: "length", Enabled: true, Direction: "output", MaxChars: 100},
			{Name: "disabled", Type: "blocklist", Enabled: false, Blocklist: []string{"ignored"}},
		},
	}

	svc, err := NewService(cfg, tokens.NewEstimator(), zap.NewNop())
	require.NoError(t, err)

	assert.True(t, svc.Concurrent())
	assert.Equal(t, ModeConcurrent, svc.Input.Policy().Mode)
	assert.Equal(t, FailAllow, svc.Input.Policy().OnError)
	assert.Equal(t, 2*time.Second, svc.Input.Policy().Timeout)
	assert.False(t, svc.Input.Empty())
	assert.False(t, svc.Output.Empty())
	assert.Equal(t, int64(1<<20), svc.MaxBufferBytes)

	// "both" joins both chains; the output chain blocks the shared term.
	out := svc.Output.Evaluate(context.Background(), "the secret word", "req-1", "")
	assert.False(t, out.Allowed)

	// The input-only redactor never touches output content.
	out = svc.Output.Evaluate(context.Background(), "mail bob@example.com", "req-2", "")
	assert.True(t, out.Allowed)
	assert.False(t, out.Redacted)
}

func TestNewService_EmptyConfig(t *testing.T) {
	svc, err := NewService(&config.GuardrailsConfig{Mode: "blocking"}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, svc.Input.Empty())
	assert.True(t, svc.Output.Empty())
	assert.False(t, svc.Concurrent(), "an empty chain never races")
}

func TestNewService_Validation(t *testing.T) {
	cases := []struct {
		name     string
		provider config.GuardrailProviderConfig
	}{
		{"unknown type", config.GuardrailProviderConfig{Name: "x", Type: "mystery", Enabled: true}},
		{"blocklist without terms", config.GuardrailProviderConfig{Name: "x", Type: "blocklist", Enabled: true}},
		{"length without bounds", config.GuardrailProviderConfig{Name: "x", Type: "length", Enabled: true}},
		{"moderation without base_url", config.GuardrailProviderConfig{Name: "x", Type: "moderation", Enabled: true}},
		{"webhook without base_url", config.GuardrailProviderConfig{Name: "x", Type: "webhook", Enabled: true}},
		{"bad direction", config.GuardrailProviderConfig{Name: "x", Type: "regex_pii", Enabled: true, Direction: "sideways"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService(&config.GuardrailsConfig{
				Providers: []config.GuardrailProviderConfig{tc.provider},
			}, nil, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestSeverityFloor(t *testing.T) {
	assert.Equal(t, 0, severityFloor("").Rank())
	assert.Equal(t, 0, severityFloor("low").Rank())
	assert.Equal(t, 1, severityFloor("medium").Rank())
	assert.Equal(t, 2, severityFloor("HIGH").Rank())
	assert.Equal(t, 3, severityFloor("critical").Rank())
	assert.Equal(t, 0, severityFloor("bogus").Rank())
}
