package gemini

import (
	"log/slog"

	"github.com/nshkrdotcom/gemini-go/config"
	"github.com/nshkrdotcom/gemini-go/internal/telemetry"
	"github.com/nshkrdotcom/gemini-go/retry"
	"github.com/nshkrdotcom/gemini-go/tools"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithConfig supplies a loaded configuration whose rate-limit profile and
// max streams size the client's managers. cfg.Auth is not read: auth
// comes from the auth.StaticConfig passed to New, the environment, and
// per-call values. Without this option the client falls back to
// config.ProfileFreeTier.
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithMetrics attaches a Prometheus telemetry sink (SUPPLEMENTED
// FEATURE 2). Without it every recorder call is a nil-safe no-op.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTools attaches a pre-populated tool registry for auto tool-calling
// (spec.md §4.K). Without it the client uses an empty registry, so every
// function call the model emits gets an unknown-tool error result.
func WithTools(r *tools.Registry) Option {
	return func(c *Client) { c.tools = r }
}

// WithLogger overrides the default slog.Default-derived logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryPolicy overrides the Retry Manager's backoff/attempt policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retryPolicy = p }
}
