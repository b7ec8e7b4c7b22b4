package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptImmutability controls whether any component may place derived text
// in the system channel. STRICT forbids grounding nudges entirely.
type PromptImmutability string

const (
	ImmutabilityStrict  PromptImmutability = "STRICT"
	ImmutabilityRelaxed PromptImmutability = "RELAXED"
)

// Config captures every recognized option at startup. It is read-only after
// construction; components copy the values they need.
type Config struct {
	// Governor
	MaxConcurrencyPerVendor   int     `yaml:"max_concurrency_per_vendor"`
	TPMLimit                  int     `yaml:"tpm_limit"`
	TPMHeadroomFraction       float64 `yaml:"tpm_headroom_fraction"` // 0 - 0.9
	StaggerSeconds            int     `yaml:"stagger_seconds"`
	EstimatedTokensPerRequest int     `yaml:"estimated_tokens_per_request"`

	// URL resolver
	HTTPResolveEnabled   bool `yaml:"http_resolve_enabled"`
	HTTPResolveTimeoutMS int  `yaml:"http_resolve_timeout_ms"`
	HTTPResolveMaxHops   int  `yaml:"http_resolve_max_hops"`
	HTTPResolveCacheTTLS int  `yaml:"http_resolve_cache_ttl_s"`

	// Circuit breaker
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`
	CircuitWindowS          int `yaml:"circuit_window_s"`
	CircuitCooldownS        int `yaml:"circuit_cooldown_s"`

	// Routing policy
	ModelAdjustForGrounding        bool                `yaml:"model_adjust_for_grounding"`
	PromptImmutability             PromptImmutability  `yaml:"prompt_immutability"`
	UngroundedJSONEnvelopeFallback bool                `yaml:"ungrounded_json_envelope_fallback"`
	FailoverEnabled                bool                `yaml:"failover_enabled"`
	AllowedModels                  map[Vendor][]string `yaml:"allowed_models"`

	// Ambient
	LogLevel     string `yaml:"log_level"`
	OTELEndpoint string `yaml:"otel_endpoint"`
	RedisURL     string `yaml:"redis_url"` // optional telemetry sink
	ABBucket     string `yaml:"ab_bucket"`
	ServiceName  string `yaml:"service_name"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrencyPerVendor:   3,
		TPMLimit:                  30000,
		TPMHeadroomFraction:       0.15,
		StaggerSeconds:            15,
		EstimatedTokensPerRequest: 7000,

		HTTPResolveEnabled:   false,
		HTTPResolveTimeoutMS: 2000,
		HTTPResolveMaxHops:   3,
		HTTPResolveCacheTTLS: 86400,

		CircuitFailureThreshold: 5,
		CircuitWindowS:          300,
		CircuitCooldownS:        60,

		ModelAdjustForGrounding:        true,
		PromptImmutability:             ImmutabilityStrict,
		UngroundedJSONEnvelopeFallback: true,
		FailoverEnabled:                false,
		AllowedModels:                  map[Vendor][]string{},

		LogLevel:    "INFO",
		ServiceName: "relay",
	}
}

// Option configures a Config programmatically.
type Option func(*Config)

// WithAllowedModels sets the per-vendor model allowlist.
func WithAllowedModels(allowed map[Vendor][]string) Option {
	return func(c *Config) { c.AllowedModels = allowed }
}

// WithFailover enables cross-vendor failover for configured sibling pairs.
func WithFailover(enabled bool) Option {
	return func(c *Config) { c.FailoverEnabled = enabled }
}

// WithHTTPResolve enables HTTP redirect resolution in the URL resolver.
func WithHTTPResolve(enabled bool) Option {
	return func(c *Config) { c.HTTPResolveEnabled = enabled }
}

// WithTPMLimit sets the per-vendor token-per-minute budget.
func WithTPMLimit(limit int) Option {
	return func(c *Config) { c.TPMLimit = limit }
}

// WithMaxConcurrency sets the per-vendor concurrency bound.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) { c.MaxConcurrencyPerVendor = n }
}

// NewConfig builds a Config from defaults, an optional YAML file (path from
// RELAY_CONFIG_FILE), environment variables, then programmatic options.
// Precedence: options > environment > file > defaults.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays RELAY_* environment variables.
func (c *Config) applyEnv() {
	envInt("RELAY_MAX_CONCURRENCY_PER_VENDOR", &c.MaxConcurrencyPerVendor)
	envInt("RELAY_TPM_LIMIT", &c.TPMLimit)
	envFloat("RELAY_TPM_HEADROOM_FRACTION", &c.TPMHeadroomFraction)
	envInt("RELAY_STAGGER_SECONDS", &c.StaggerSeconds)
	envInt("RELAY_ESTIMATED_TOKENS_PER_REQUEST", &c.EstimatedTokensPerRequest)

	envBool("RELAY_HTTP_RESOLVE_ENABLED", &c.HTTPResolveEnabled)
	envInt("RELAY_HTTP_RESOLVE_TIMEOUT_MS", &c.HTTPResolveTimeoutMS)
	envInt("RELAY_HTTP_RESOLVE_MAX_HOPS", &c.HTTPResolveMaxHops)
	envInt("RELAY_HTTP_RESOLVE_CACHE_TTL_S", &c.HTTPResolveCacheTTLS)

	envInt("RELAY_CIRCUIT_FAILURE_THRESHOLD", &c.CircuitFailureThreshold)
	envInt("RELAY_CIRCUIT_WINDOW_S", &c.CircuitWindowS)
	envInt("RELAY_CIRCUIT_COOLDOWN_S", &c.CircuitCooldownS)

	envBool("RELAY_MODEL_ADJUST_FOR_GROUNDING", &c.ModelAdjustForGrounding)
	envBool("RELAY_UNGROUNDED_JSON_ENVELOPE_FALLBACK", &c.UngroundedJSONEnvelopeFallback)
	envBool("RELAY_FAILOVER_ENABLED", &c.FailoverEnabled)

	if v := os.Getenv("RELAY_PROMPT_IMMUTABILITY"); v != "" {
		c.PromptImmutability = PromptImmutability(strings.ToUpper(v))
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RELAY_OTEL_ENDPOINT"); v != "" {
		c.OTELEndpoint = v
	}
	if v := os.Getenv("RELAY_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("RELAY_AB_BUCKET"); v != "" {
		c.ABBucket = v
	}
}

// Validate checks option ranges and returns a wrapped ErrValidation on the
// first violation.
func (c *Config) Validate() error {
	if c.MaxConcurrencyPerVendor < 1 {
		return fmt.Errorf("max_concurrency_per_vendor must be >= 1: %w", ErrValidation)
	}
	if c.TPMLimit < 1 {
		return fmt.Errorf("tpm_limit must be >= 1: %w", ErrValidation)
	}
	if c.TPMHeadroomFraction < 0 || c.TPMHeadroomFraction > 0.9 {
		return fmt.Errorf("tpm_headroom_fraction must be in [0, 0.9]: %w", ErrValidation)
	}
	if c.StaggerSeconds < 0 {
		return fmt.Errorf("stagger_seconds must be >= 0: %w", ErrValidation)
	}
	if c.EstimatedTokensPerRequest < 1 {
		return fmt.Errorf("estimated_tokens_per_request must be >= 1: %w", ErrValidation)
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("circuit_failure_threshold must be >= 1: %w", ErrValidation)
	}
	if c.CircuitWindowS < 1 || c.CircuitCooldownS < 1 {
		return fmt.Errorf("circuit window and cooldown must be >= 1s: %w", ErrValidation)
	}
	if c.HTTPResolveMaxHops < 0 || c.HTTPResolveTimeoutMS < 0 || c.HTTPResolveCacheTTLS < 0 {
		return fmt.Errorf("http_resolve options must be >= 0: %w", ErrValidation)
	}
	switch c.PromptImmutability {
	case ImmutabilityStrict, ImmutabilityRelaxed:
	default:
		return fmt.Errorf("prompt_immutability must be STRICT or RELAXED: %w", ErrValidation)
	}
	return nil
}

// FeatureFlags returns the startup feature-flag view emitted in telemetry.
func (c *Config) FeatureFlags() map[string]interface{} {
	return map[string]interface{}{
		"http_resolve_enabled":              c.HTTPResolveEnabled,
		"model_adjust_for_grounding":        c.ModelAdjustForGrounding,
		"ungrounded_json_envelope_fallback": c.UngroundedJSONEnvelopeFallback,
		"failover_enabled":                  c.FailoverEnabled,
		"prompt_immutability":               string(c.PromptImmutability),
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "on", "yes":
			*dst = true
		case "0", "false", "off", "no":
			*dst = false
		}
	}
}
