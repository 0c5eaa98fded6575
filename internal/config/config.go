// Package config loads and validates all runtime configuration for the coach
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names. List values accept either YAML sequences or comma-separated
// strings ("https://a.example,https://b.example").
//
// The upstream API key is deliberately not required at startup: a gateway
// without it still boots, reports not-ready, and answers every /coach call
// with 500 so the misconfiguration is visible to operators.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// DefaultUpstreamBaseURL is the OpenAI-compatible API root used when
// UPSTREAM_BASE_URL is unset.
const DefaultUpstreamBaseURL = "https://api.openai.com/v1"

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Environment tags error reports (e.g. "production", "preview").
	Environment string

	Upstream  UpstreamConfig
	Models    ModelConfig
	Origins   OriginConfig
	Limits    LimitConfig
	RateLimit RateLimitConfig

	// Redis holds the counter store connection. Optional.
	Redis RedisConfig

	// ErrorSink is the optional best-effort error reporting webhook.
	ErrorSink ErrorSinkConfig

	// HealthProbeInterval is the period of background health probes. Default: 30s.
	HealthProbeInterval time.Duration
}

// UpstreamConfig describes the LLM completion service.
type UpstreamConfig struct {
	// APIKey is sent as a bearer token. Empty means "misconfigured".
	APIKey string
	// BaseURL is the API root; /chat/completions is appended.
	BaseURL string
	// Timeout bounds each buffered attempt. Default: 15s.
	Timeout time.Duration
}

// ModelConfig controls which models clients may request.
type ModelConfig struct {
	// Default is used when the client omits a model or asks for an unlisted one.
	Default string
	// Allowed always contains Default.
	Allowed []string
}

// OriginConfig controls the browser origin allow-list.
type OriginConfig struct {
	// Allowed is the configured allow-list plus the origin of PublicURL.
	// Empty means every origin is accepted.
	Allowed []string
	// PublicURL is the deployment's own URL.
	PublicURL string
	// RequireOrigin rejects origin-less requests when Allowed is non-empty.
	RequireOrigin bool
}

// LimitConfig bounds the size of inbound requests.
type LimitConfig struct {
	MaxMessages      int
	MaxContentLength int
	MaxBodyBytes     int
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// PerMinute is the number of requests one client may make per window.
	PerMinute int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ErrorSinkConfig points at an HTTP endpoint that accepts error reports.
type ErrorSinkConfig struct {
	URL   string
	Token string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENVIRONMENT", "production")

	v.SetDefault("UPSTREAM_BASE_URL", DefaultUpstreamBaseURL)
	v.SetDefault("UPSTREAM_TIMEOUT", "15s")

	v.SetDefault("DEFAULT_MODEL", "gpt-4o-mini")
	v.SetDefault("REQUIRE_ORIGIN", false)

	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("MAX_MESSAGES", 12)
	v.SetDefault("MAX_CONTENT_LENGTH", 4000)
	v.SetDefault("MAX_BODY_BYTES", 1<<20)

	v.SetDefault("HEALTH_PROBE_INTERVAL", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	apiKey := v.GetString("UPSTREAM_API_KEY")
	if apiKey == "" {
		apiKey = v.GetString("OPENAI_API_KEY")
	}

	defaultModel := strings.TrimSpace(v.GetString("DEFAULT_MODEL"))
	publicURL := strings.TrimSpace(v.GetString("PUBLIC_URL"))

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		Environment: v.GetString("ENVIRONMENT"),

		Upstream: UpstreamConfig{
			APIKey:  strings.TrimSpace(apiKey),
			BaseURL: strings.TrimRight(v.GetString("UPSTREAM_BASE_URL"), "/"),
			Timeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		Models: ModelConfig{
			Default: defaultModel,
			Allowed: appendUnique(stringList(v, "ALLOWED_MODELS"), defaultModel),
		},

		Origins: OriginConfig{
			PublicURL:     publicURL,
			RequireOrigin: v.GetBool("REQUIRE_ORIGIN"),
		},

		Limits: LimitConfig{
			MaxMessages:      v.GetInt("MAX_MESSAGES"),
			MaxContentLength: v.GetInt("MAX_CONTENT_LENGTH"),
			MaxBodyBytes:     v.GetInt("MAX_BODY_BYTES"),
		},

		RateLimit: RateLimitConfig{
			PerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ErrorSink: ErrorSinkConfig{
			URL:   v.GetString("ERROR_SINK_URL"),
			Token: v.GetString("ERROR_SINK_TOKEN"),
		},

		HealthProbeInterval: v.GetDuration("HEALTH_PROBE_INTERVAL"),
	}

	origins := stringList(v, "ALLOWED_ORIGINS")
	for i, o := range origins {
		origins[i] = strings.TrimRight(o, "/")
	}
	if publicURL != "" {
		origin, err := OriginOf(publicURL)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PUBLIC_URL %q: %w", publicURL, err)
		}
		// The deployment's own origin is only added to an explicit allow-list;
		// an empty list keeps meaning "any origin".
		if len(origins) > 0 {
			origins = appendUnique(origins, origin)
		}
	}
	cfg.Origins.Allowed = origins

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("config: DEFAULT_MODEL must not be empty")
	}
	if c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("config: RATE_LIMIT_PER_MINUTE must be ≥ 1, got %d", c.RateLimit.PerMinute)
	}
	if c.Limits.MaxMessages < 1 {
		return fmt.Errorf("config: MAX_MESSAGES must be ≥ 1, got %d", c.Limits.MaxMessages)
	}
	if c.Limits.MaxContentLength < 1 {
		return fmt.Errorf("config: MAX_CONTENT_LENGTH must be ≥ 1, got %d", c.Limits.MaxContentLength)
	}
	if c.Limits.MaxBodyBytes < 1 {
		return fmt.Errorf("config: MAX_BODY_BYTES must be ≥ 1, got %d", c.Limits.MaxBodyBytes)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.HealthProbeInterval <= 0 {
		return fmt.Errorf("config: HEALTH_PROBE_INTERVAL must be a positive duration")
	}

	if err := checkURL("UPSTREAM_BASE_URL", c.Upstream.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.Redis.URL != "" {
		if err := checkURL("REDIS_URL", c.Redis.URL, "redis", "rediss", "unix"); err != nil {
			return err
		}
	}
	if c.ErrorSink.URL != "" {
		if err := checkURL("ERROR_SINK_URL", c.ErrorSink.URL, "http", "https"); err != nil {
			return err
		}
	}

	return nil
}

// UpstreamConfigured reports whether the upstream credential is present.
func (c *Config) UpstreamConfigured() bool {
	return c.Upstream.APIKey != ""
}

// OriginOf returns the scheme://host[:port] origin of a URL.
func OriginOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("missing scheme or host")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("config: %s must use one of the schemes %v, got %q", key, schemes, u.Scheme)
}

// stringList reads a list value. Env vars arrive as one string, so commas and
// whitespace both separate entries.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			out = appendUnique(out, part)
		}
	}
	return out
}

func appendUnique(list []string, item string) []string {
	if item == "" {
		return list
	}
	for _, s := range list {
		if s == item {
			return list
		}
	}
	return append(list, item)
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
