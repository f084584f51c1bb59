package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	DLQ        DLQConfig        `mapstructure:"dlq"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	MetricsListen   string        `mapstructure:"metrics_listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gte=0"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	Mode            string        `mapstructure:"mode" validate:"oneof=none api_key idp iap"`
	KeyPrefix       string        `mapstructure:"key_prefix" validate:"required"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	AnonymousOrgID  string        `mapstructure:"anonymous_org_id"`
	AnonymousUserID string        `mapstructure:"anonymous_user_id"`
	IAPUserHeader   string        `mapstructure:"iap_user_header"`
	IAPEmailHeader  string        `mapstructure:"iap_email_header"`
	IAPOrgHeader    string        `mapstructure:"iap_org_header"`
	JWT             JWTConfig     `mapstructure:"jwt"`
}

type JWTConfig struct {
	NegativeCacheTTL    time.Duration `mapstructure:"negative_cache_ttl"`
	JWKSRefreshInterval time.Duration `mapstructure:"jwks_refresh_interval"`
	Leeway              time.Duration `mapstructure:"leeway"`
}

type LimitsConfig struct {
	Budgets    BudgetConfig    `mapstructure:"budgets"`
	RateLimits RateLimitConfig `mapstructure:"rate_limits"`
}

type BudgetConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	DefaultLimitCents  int64   `mapstructure:"default_limit_cents" validate:"gte=0"`
	Period             string  `mapstructure:"period" validate:"oneof=daily weekly monthly"`
	WarningThreshold   float64 `mapstructure:"warning_threshold" validate:"gte=0,lte=1"`
	ExceededStatus     int     `mapstructure:"exceeded_status" validate:"oneof=402 429"`
	EstimatedCostCents int64   `mapstructure:"estimated_cost_cents" validate:"gte=0"`
}

type RateLimitConfig struct {
	Enabled                   bool  `mapstructure:"enabled"`
	RequestsPerMinute         int64 `mapstructure:"requests_per_minute" validate:"gte=0"`
	RequestsPerDay            int64 `mapstructure:"requests_per_day" validate:"gte=0"`
	TokensPerMinute           int64 `mapstructure:"tokens_per_minute" validate:"gte=0"`
	TokensPerDay              int64 `mapstructure:"tokens_per_day" validate:"gte=0"`
	EstimatedTokensPerRequest int64 `mapstructure:"estimated_tokens_per_request" validate:"gte=0"`
}

type CacheConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=redis memory"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type GuardrailsConfig struct {
	Mode           string                    `mapstructure:"mode" validate:"oneof=blocking concurrent"`
	Timeout        time.Duration             `mapstructure:"timeout"`
	OnError        string                    `mapstructure:"on_error" validate:"oneof=allow block"`
	OnTimeout      string                    `mapstructure:"on_timeout" validate:"oneof=allow block"`
	MaxBufferBytes int64                     `mapstructure:"max_buffer_bytes" validate:"gte=0"`
	Providers      []GuardrailProviderConfig `mapstructure:"providers" validate:"dive"`
}

type GuardrailProviderConfig struct {
	Name      string        `mapstructure:"name" validate:"required"`
	Type      string        `mapstructure:"type" validate:"oneof=regex_pii blocklist length moderation webhook"`
	Enabled   bool          `mapstructure:"enabled"`
	Direction string        `mapstructure:"direction" validate:"omitempty,oneof=input output both"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// HTTP providers (moderation, webhook)
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Threshold        float64       `mapstructure:"threshold" validate:"gte=0,lte=1"`
	Categories       []string      `mapstructure:"categories"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=0"`
	Cooldown         time.Duration `mapstructure:"cooldown"`

	// Local providers
	Blocklist []string `mapstructure:"blocklist"`
	MaxChars  int      `mapstructure:"max_chars" validate:"gte=0"`
	MaxTokens int      `mapstructure:"max_tokens" validate:"gte=0"`
	Redact    bool     `mapstructure:"redact"`

	SeverityThreshold string `mapstructure:"severity_threshold" validate:"omitempty,oneof=low medium high critical"`
}

type DLQConfig struct {
	Backend    string         `mapstructure:"backend" validate:"oneof=database file redis"`
	FileDir    string         `mapstructure:"file_dir"`
	MaxFiles   int            `mapstructure:"max_files" validate:"gte=0"`
	MaxEntries int            `mapstructure:"max_entries" validate:"gte=0"`
	Retry      DLQRetryConfig `mapstructure:"retry"`
	Prune      DLQPruneConfig `mapstructure:"prune"`
}

type DLQRetryConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	BatchSize           int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries          int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialDelay        time.Duration `mapstructure:"initial_delay"`
	Multiplier          float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	DispatchConcurrency int           `mapstructure:"dispatch_concurrency" validate:"gt=0"`
}

type DLQPruneConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	OlderThan time.Duration `mapstructure:"older_than"`
}

type UsageConfig struct {
	BatchSize     int           `mapstructure:"batch_size" validate:"gt=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxPending    int           `mapstructure:"max_pending" validate:"gt=0"`
}

type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PricingConfig struct {
	// Models maps a model name to its per-1k-token prices in microcents.
	Models map[string]ModelPrice `mapstructure:"models"`
}

type ModelPrice struct {
	PromptPer1K     int64 `mapstructure:"prompt_per_1k" validate:"gte=0"`
	CompletionPer1K int64 `mapstructure:"completion_per_1k" validate:"gte=0"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/hadrian")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// Validate checks field constraints plus the cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" && c.Redis.URL == "" {
		return fmt.Errorf("cache backend is redis but no redis url is configured")
	}
	if c.DLQ.Backend == "file" && c.DLQ.FileDir == "" {
		return fmt.Errorf("dlq backend is file but dlq.file_dir is empty")
	}
	for _, p := range c.Guardrails.Providers {
		switch p.Type {
		case "moderation", "webhook":
			if p.Enabled && p.BaseURL == "" {
				return fmt.Errorf("guardrail provider %q has no base_url", p.Name)
			}
		case "length":
			if p.Enabled && p.MaxChars == 0 && p.MaxTokens == 0 {
				return fmt.Errorf("guardrail provider %q has no length bound", p.Name)
			}
		}
	}
	return nil
}

// CacheRedisURL returns the cache-specific redis URL, falling back to the
// shared redis connection.
func (c *Config) CacheRedisURL() string {
	if c.Cache.RedisURL != "" {
		return c.Cache.RedisURL
	}
	return c.Redis.URL
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.metrics_listen", ":9090")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "120s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "15s")
	viper.SetDefault("server.trusted_proxies", []string{})
	viper.SetDefault("server.max_body_bytes", 10*1024*1024)

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Auth defaults
	viper.SetDefault("auth.mode", "api_key")
	viper.SetDefault("auth.key_prefix", "gw_")
	viper.SetDefault("auth.cache_ttl", "60s")
	viper.SetDefault("auth.iap_user_header", "X-Iap-User-Id")
	viper.SetDefault("auth.iap_email_header", "X-Iap-User-Email")
	viper.SetDefault("auth.iap_org_header", "X-Iap-Org-Id")
	viper.SetDefault("auth.jwt.negative_cache_ttl", "60s")
	viper.SetDefault("auth.jwt.jwks_refresh_interval", "1h")
	viper.SetDefault("auth.jwt.leeway", "60s")

	// Limit defaults
	viper.SetDefault("limits.budgets.enabled", true)
	viper.SetDefault("limits.budgets.default_limit_cents", 0)
	viper.SetDefault("limits.budgets.period", "monthly")
	viper.SetDefault("limits.budgets.warning_threshold", 0.8)
	viper.SetDefault("limits.budgets.exceeded_status", 402)
	viper.SetDefault("limits.budgets.estimated_cost_cents", 1)
	viper.SetDefault("limits.rate_limits.enabled", true)
	viper.SetDefault("limits.rate_limits.requests_per_minute", 60)
	viper.SetDefault("limits.rate_limits.requests_per_day", 0)
	viper.SetDefault("limits.rate_limits.tokens_per_minute", 100000)
	viper.SetDefault("limits.rate_limits.tokens_per_day", 0)
	viper.SetDefault("limits.rate_limits.estimated_tokens_per_request", 1000)

	// Cache defaults
	viper.SetDefault("cache.backend", "redis")
	viper.SetDefault("cache.key_prefix", "")

	// Guardrails defaults
	viper.SetDefault("guardrails.mode", "blocking")
	viper.SetDefault("guardrails.timeout", "5s")
	viper.SetDefault("guardrails.on_error", "block")
	viper.SetDefault("guardrails.on_timeout", "block")
	viper.SetDefault("guardrails.max_buffer_bytes", 1024*1024)

	// DLQ defaults
	viper.SetDefault("dlq.backend", "database")
	viper.SetDefault("dlq.file_dir", "/var/lib/hadrian/dlq")
	viper.SetDefault("dlq.max_files", 10000)
	viper.SetDefault("dlq.max_entries", 100000)
	viper.SetDefault("dlq.retry.enabled", true)
	viper.SetDefault("dlq.retry.interval", "30s")
	viper.SetDefault("dlq.retry.batch_size", 50)
	viper.SetDefault("dlq.retry.max_retries", 5)
	viper.SetDefault("dlq.retry.initial_delay", "1m")
	viper.SetDefault("dlq.retry.multiplier", 2.0)
	viper.SetDefault("dlq.retry.max_delay", "1h")
	viper.SetDefault("dlq.retry.dispatch_concurrency", 4)
	viper.SetDefault("dlq.prune.enabled", true)
	viper.SetDefault("dlq.prune.interval", "1h")
	viper.SetDefault("dlq.prune.older_than", "168h")

	// Usage defaults
	viper.SetDefault("usage.batch_size", 100)
	viper.SetDefault("usage.flush_interval", "10s")
	viper.SetDefault("usage.max_pending", 10000)

	// Upstream defaults
	viper.SetDefault("upstream.base_url", "http://localhost:4000")
	viper.SetDefault("upstream.timeout", "120s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
	viper.SetDefault("cors.exposed_headers", []string{
		"X-Request-Id",
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
		"X-RateLimit-Tokens-Limit", "X-RateLimit-Tokens-Remaining", "X-RateLimit-Tokens-Reset",
		"X-Budget-Warning", "X-Budget-Spend-Percentage", "X-Budget-Current-Spend-Cents",
		"X-Budget-Limit-Cents", "X-Budget-Period", "Retry-After",
		"X-Guardrails-Input-Result", "X-Guardrails-Output-Result", "X-Guardrails-Violations",
		"X-Guardrails-Latency-Ms", "X-Guardrails-Mode", "X-Guardrails-Race-Winner", "X-LLM-Latency-Ms",
	})
}

func bindEnvVars() {
	// Server
	_ = viper.BindEnv("server.listen", "SERVER_LISTEN")
	_ = viper.BindEnv("server.metrics_listen", "METRICS_LISTEN")
	_ = viper.BindEnv("server.trusted_proxies", "TRUSTED_PROXIES")

	// Database
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	// Redis
	_ = viper.BindEnv("redis.url", "REDIS_URL")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")

	// Auth
	_ = viper.BindEnv("auth.mode", "AUTH_MODE")
	_ = viper.BindEnv("auth.key_prefix", "AUTH_KEY_PREFIX")
	_ = viper.BindEnv("auth.anonymous_org_id", "AUTH_ANONYMOUS_ORG_ID")
	_ = viper.BindEnv("auth.anonymous_user_id", "AUTH_ANONYMOUS_USER_ID")

	// Limits
	_ = viper.BindEnv("limits.budgets.enabled", "BUDGETS_ENABLED")
	_ = viper.BindEnv("limits.budgets.default_limit_cents", "BUDGET_DEFAULT_LIMIT_CENTS")
	_ = viper.BindEnv("limits.budgets.period", "BUDGET_PERIOD")
	_ = viper.BindEnv("limits.rate_limits.enabled", "RATE_LIMITS_ENABLED")
	_ = viper.BindEnv("limits.rate_limits.requests_per_minute", "RATE_LIMIT_REQUESTS_PER_MINUTE")
	_ = viper.BindEnv("limits.rate_limits.tokens_per_minute", "RATE_LIMIT_TOKENS_PER_MINUTE")

	// Cache
	_ = viper.BindEnv("cache.backend", "CACHE_BACKEND")
	_ = viper.BindEnv("cache.redis_url", "CACHE_REDIS_URL")

	// DLQ
	_ = viper.BindEnv("dlq.backend", "DLQ_BACKEND")
	_ = viper.BindEnv("dlq.file_dir", "DLQ_FILE_DIR")

	// Upstream
	_ = viper.BindEnv("upstream.base_url", "UPSTREAM_BASE_URL")
	_ = viper.BindEnv("upstream.timeout", "UPSTREAM_TIMEOUT")

	// Logging
	_ = viper.BindEnv("logging.level", "LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	_ = viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}

func Get() *Config {
	return cfg
}

// String renders a one-line summary with no secrets, for startup logging.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "listen=%s auth=%s cache=%s dlq=%s guardrails=%s",
		c.Server.Listen, c.Auth.Mode, c.Cache.Backend, c.DLQ.Backend, c.Guardrails.Mode)
	return b.String()
}
