package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a config.yaml into a fresh directory and returns the
// directory for Load.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	return dir
}

const minimalConfig = `
redis:
  url: redis://localhost:6379/0
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, ":9090", cfg.Server.MetricsListen)
	assert.Equal(t, int64(10*1024*1024), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "api_key", cfg.Auth.Mode)
	assert.Equal(t, "gw_", cfg.Auth.KeyPrefix)
	assert.Equal(t, time.Minute, cfg.Auth.CacheTTL)
	assert.True(t, cfg.Limits.Budgets.Enabled)
	assert.Equal(t, "monthly", cfg.Limits.Budgets.Period)
	assert.Equal(t, 402, cfg.Limits.Budgets.ExceededStatus)
	assert.Equal(t, int64(60), cfg.Limits.RateLimits.RequestsPerMinute)
	assert.Equal(t, "blocking", cfg.Guardrails.Mode)
	assert.Equal(t, "block", cfg.Guardrails.OnError)
	assert.Equal(t, "database", cfg.DLQ.Backend)
	assert.Equal(t, 5, cfg.DLQ.Retry.MaxRetries)
	assert.Equal(t, 2.0, cfg.DLQ.Retry.Multiplier)
	assert.Equal(t, 168*time.Hour, cfg.DLQ.Prune.OlderThan)
	assert.Equal(t, 100, cfg.Usage.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Upstream.Timeout)

	// Load memoizes the active config for Get.
	assert.Same(t, cfg, Get())
}

func TestLoad_ReadsFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen: ":9999"
  trusted_proxies: ["10.0.0.0/8"]
  read_timeout: 45s
auth:
  mode: none
cache:
  backend: memory
dlq:
  backend: file
  file_dir: /tmp/dlq
guardrails:
  mode: concurrent
  timeout: 750ms
  providers:
    - name: pii
      type: regex_pii
      enabled: true
      direction: input
      redact: true
    - name: banned-terms
      type: blocklist
      enabled: true
      blocklist: ["foo"]
upstream:
  base_url: http://adapter:4000
pricing:
  models:
    gpt-4o:
      prompt_per_1k: 10000
      completion_per_1k: 30000
`))
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.TrustedProxies)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "none", cfg.Auth.Mode)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "file", cfg.DLQ.Backend)
	assert.Equal(t, "/tmp/dlq", cfg.DLQ.FileDir)
	assert.Equal(t, "concurrent", cfg.Guardrails.Mode)
	assert.Equal(t, 750*time.Millisecond, cfg.Guardrails.Timeout)
	require.Len(t, cfg.Guardrails.Providers, 2)
	assert.Equal(t, "regex_pii", cfg.Guardrails.Providers[0].Type)
	assert.True(t, cfg.Guardrails.Providers[0].Redact)
	assert.Equal(t, []string{"foo"}, cfg.Guardrails.Providers[1].Blocklist)
	assert.Equal(t, "http://adapter:4000", cfg.Upstream.BaseURL)
	require.Contains(t, cfg.Pricing.Models, "gpt-4o")
	assert.Equal(t, int64(10000), cfg.Pricing.Models["gpt-4o"].PromptPer1K)

	// Values the file never mentions keep their defaults.
	assert.Equal(t, ":9090", cfg.Server.MetricsListen)
	assert.Equal(t, "gw_", cfg.Auth.KeyPrefix)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("UPSTREAM_BASE_URL", "http://adapter-canary:4000")

	cfg, err := Load(writeConfig(t, minimalConfig+`
upstream:
  base_url: http://adapter:4000
`))
	require.NoError(t, err)
	assert.Equal(t, "http://adapter-canary:4000", cfg.Upstream.BaseURL)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	// A REDIS_URL from the host environment would satisfy the cross-field
	// redis check and mask the failure under test.
	t.Setenv("REDIS_URL", "")
	t.Setenv("CACHE_REDIS_URL", "")

	cases := map[string]struct {
		yaml    string
		wantErr string
	}{
		"unknown budget period": {
			yaml:    minimalConfig + "limits:\n  budgets:\n    period: hourly\n",
			wantErr: "invalid configuration",
		},
		"bad exceeded status": {
			yaml:    minimalConfig + "limits:\n  budgets:\n    exceeded_status: 500\n",
			wantErr: "invalid configuration",
		},
		"unknown guardrail type": {
			yaml:    minimalConfig + "guardrails:\n  providers:\n    - name: x\n      type: psychic\n",
			wantErr: "invalid configuration",
		},
		"moderation without base url": {
			yaml:    minimalConfig + "guardrails:\n  providers:\n    - name: mod\n      type: moderation\n      enabled: true\n",
			wantErr: "has no base_url",
		},
		"length without bounds": {
			yaml:    minimalConfig + "guardrails:\n  providers:\n    - name: len\n      type: length\n      enabled: true\n",
			wantErr: "has no length bound",
		},
		"file dlq without directory": {
			yaml:    minimalConfig + "dlq:\n  backend: file\n  file_dir: \"\"\n",
			wantErr: "dlq.file_dir is empty",
		},
		"redis cache without a url": {
			yaml:    "auth:\n  mode: api_key\n",
			wantErr: "no redis url",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCacheRedisURL_FallsBackToShared(t *testing.T) {
	c := &Config{}
	c.Redis.URL = "redis://shared:6379/0"
	assert.Equal(t, "redis://shared:6379/0", c.CacheRedisURL())

	c.Cache.RedisURL = "redis://cache:6379/1"
	assert.Equal(t, "redis://cache:6379/1", c.CacheRedisURL())
}

func TestConfigString_SummarizesWithoutSecrets(t *testing.T) {
	c := &Config{}
	c.Server.Listen = ":8080"
	c.Auth.Mode = "api_key"
	c.Cache.Backend = "redis"
	c.DLQ.Backend = "database"
	c.Guardrails.Mode = "blocking"
	c.Redis.Password = "hunter2"

	s := c.String()
	assert.Equal(t, "listen=:8080 auth=api_key cache=redis dlq=database guardrails=blocking", s)
	assert.NotContains(t, s, "hunter2")
}
