// Package config loads the ambient configuration for a gemini-go
// client: static auth material, and the rate-limit profile that governs
// the Rate-Limit Manager (spec.md §7).
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateLimitProfile is spec.md §7's per-call tuning surface:
// `{max_concurrency_per_model, max_attempts, base_backoff_ms,
// jitter_factor, non_blocking, disable_rate_limiter,
// adaptive_concurrency, adaptive_ceiling, token_budget_per_window,
// window_duration_ms}`.
type RateLimitProfile struct {
	MaxConcurrencyPerModel int     `yaml:"max_concurrency_per_model"`
	MaxAttempts            int     `yaml:"max_attempts"`
	BaseBackoffMs          int64   `yaml:"base_backoff_ms"`
	JitterFactor           float64 `yaml:"jitter_factor"`
	NonBlocking            bool    `yaml:"non_blocking"`
	DisableRateLimiter     bool    `yaml:"disable_rate_limiter"`
	AdaptiveConcurrency    bool    `yaml:"adaptive_concurrency"`
	AdaptiveCeiling        int     `yaml:"adaptive_ceiling"`
	TokenBudgetPerWindow   int64   `yaml:"token_budget_per_window"`
	WindowDurationMs       int64   `yaml:"window_duration_ms"`
}

// Named profiles with canonical values (spec.md §8).
var (
	ProfileFreeTier = RateLimitProfile{
		MaxConcurrencyPerModel: 2,
		MaxAttempts:            5,
		BaseBackoffMs:          2000,
		JitterFactor:           0.2,
		AdaptiveConcurrency:    true,
		AdaptiveCeiling:        1,
		TokenBudgetPerWindow:   32000,
		WindowDurationMs:       60000,
	}
	ProfilePaidTier1 = RateLimitProfile{
		MaxConcurrencyPerModel: 10,
		MaxAttempts:            3,
		BaseBackoffMs:          500,
		JitterFactor:           0.2,
		AdaptiveConcurrency:    true,
		AdaptiveCeiling:        2,
		TokenBudgetPerWindow:   1000000,
		WindowDurationMs:       60000,
	}
	ProfilePaidTier2 = RateLimitProfile{
		MaxConcurrencyPerModel: 20,
		MaxAttempts:            2,
		BaseBackoffMs:          250,
		JitterFactor:           0.1,
		AdaptiveConcurrency:    true,
		AdaptiveCeiling:        4,
		TokenBudgetPerWindow:   2000000,
		WindowDurationMs:       60000,
	}
)

// NamedProfiles maps a profile name to its canonical values.
var NamedProfiles = map[string]RateLimitProfile{
	"free_tier":  ProfileFreeTier,
	"paid_tier_1": ProfilePaidTier1,
	"paid_tier_2": ProfilePaidTier2,
}

// AuthConfig is the static, process-level auth material (the lowest
// priority tier of the Multi-Auth Coordinator's resolution order).
type AuthConfig struct {
	Backend            string `yaml:"backend"`
	APIKey             string `yaml:"api_key"`
	ProjectID          string `yaml:"project_id"`
	Location           string `yaml:"location"`
	QuotaProjectID     string `yaml:"quota_project_id"`
	ServiceAccountPath string `yaml:"service_account_path"`
	Scope              string `yaml:"scope"`
}

// Config is the top-level client configuration.
type Config struct {
	Auth            AuthConfig       `yaml:"auth"`
	RateLimitProfile string          `yaml:"rate_limit_profile"`
	RateLimit       RateLimitProfile `yaml:"rate_limit"`
	MaxStreams      int              `yaml:"max_streams"`
}

// Resolve returns cfg.RateLimit if it has a non-zero MaxConcurrencyPerModel
// (an inline override takes priority over a named profile), otherwise the
// profile named by cfg.RateLimitProfile, defaulting to free_tier.
func (c *Config) Resolve() RateLimitProfile {
	if c.RateLimit.MaxConcurrencyPerModel > 0 {
		return c.RateLimit
	}
	name := c.RateLimitProfile
	if name == "" {
		name = "free_tier"
	}
	if p, ok := NamedProfiles[name]; ok {
		return p
	}
	return ProfileFreeTier
}

// Load reads and parses a YAML config file, expanding ${VAR} environment
// references the way the teacher's config loader does, then validates
// that the document is a single YAML document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	if cfg.MaxStreams == 0 {
		cfg.MaxStreams = 100
	}

	return &cfg, nil
}
