package auth

import (
	"context"
	"os"
	"strings"

	"github.com/nshkrdotcom/gemini-go/apierror"
)

// Backend identifies which of the two concurrent auth strategies a call
// should use (spec.md §4.A).
type Backend string

const (
	BackendGeminiAPI Backend = "gemini_api"
	BackendVertex    Backend = "vertex"
)

func normalizeBackend(raw string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case string(BackendGeminiAPI), "gemini", "api_key":
		return BackendGeminiAPI, nil
	case string(BackendVertex), "vertex_ai":
		return BackendVertex, nil
	default:
		return "", apierror.New(apierror.KindInvalidRequest, "unknown auth backend: "+raw, nil)
	}
}

// StaticConfig is the process-level auth configuration loaded once at
// client construction (spec.md §3, the lowest-priority resolution tier).
type StaticConfig struct {
	Backend            Backend
	APIKey             string
	ProjectID          string
	Location           string
	QuotaProjectID     string
	ServiceAccountPath string
	Scope              string
}

// CallOptions carries per-call overrides, the highest-priority resolution
// tier (spec.md §4.C).
type CallOptions struct {
	Backend            Backend
	APIKey             string
	AccessToken        string
	ProjectID          string
	Location           string
	QuotaProjectID     string
	ServiceAccountPath string
	Scope              string
}

// EnvLookup matches os.LookupEnv; overridable for tests.
type EnvLookup func(key string) (string, bool)

// Coordinator resolves, for each call, which Strategy to use and the
// Credentials to hand it, in the order: per-call options, then
// environment variables, then StaticConfig (spec.md §4.C).
type Coordinator struct {
	Static     StaticConfig
	TokenCache *TokenCache
	Env        EnvLookup
}

// NewCoordinator builds a Coordinator with a fresh TokenCache and
// os.LookupEnv as its environment source.
func NewCoordinator(static StaticConfig) *Coordinator {
	return &Coordinator{
		Static:     static,
		TokenCache: NewTokenCache(nil),
		Env:        os.LookupEnv,
	}
}

func (c *Coordinator) env(key string) string {
	if c.Env == nil {
		return ""
	}
	if v, ok := c.Env(key); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Coordinate resolves the backend and credentials for one call and
// returns the Strategy to drive it alongside the resolved Credentials.
// When opts.Backend is explicitly set, resolution for that backend's
// required fields never falls back to the other backend — a caller who
// asks for Vertex and has no project configured gets
// KindMissingCredentials, not a silent switch to the API-key backend.
func (c *Coordinator) Coordinate(ctx context.Context, opts CallOptions) (Strategy, Credentials, error) {
	backend, err := c.resolveBackend(opts)
	if err != nil {
		return nil, Credentials{}, err
	}

	creds := Credentials{
		APIKey:             firstNonEmpty(opts.APIKey, c.env("GEMINI_API_KEY"), c.Static.APIKey),
		AccessToken:        opts.AccessToken,
		ProjectID:          firstNonEmpty(opts.ProjectID, c.env("GOOGLE_CLOUD_PROJECT"), c.Static.ProjectID),
		Location:           firstNonEmpty(opts.Location, c.env("GOOGLE_CLOUD_LOCATION"), c.Static.Location),
		QuotaProjectID:     firstNonEmpty(opts.QuotaProjectID, c.env("GOOGLE_QUOTA_PROJECT"), c.Static.QuotaProjectID),
		ServiceAccountPath: firstNonEmpty(opts.ServiceAccountPath, c.env("GOOGLE_APPLICATION_CREDENTIALS"), c.Static.ServiceAccountPath),
		Scope:              firstNonEmpty(opts.Scope, c.Static.Scope),
	}

	switch backend {
	case BackendGeminiAPI:
		return ApiKeyStrategy{}, creds, nil
	case BackendVertex:
		return OAuth2Strategy{Cache: c.TokenCache}, creds, nil
	default:
		return nil, Credentials{}, apierror.New(apierror.KindMissingCredentials, "unable to resolve an auth backend", nil)
	}
}

func (c *Coordinator) resolveBackend(opts CallOptions) (Backend, error) {
	if opts.Backend != "" {
		return normalizeBackend(string(opts.Backend))
	}
	if v := c.env("GEMINI_AUTH_BACKEND"); v != "" {
		return normalizeBackend(v)
	}
	if c.Static.Backend != "" {
		return c.Static.Backend, nil
	}

	// No explicit selector anywhere: infer from what's configured, per
	// spec.md §4.C's default resolution. API key takes priority since it
	// is the simpler of the two schemes.
	if firstNonEmpty(opts.APIKey, c.env("GEMINI_API_KEY"), c.Static.APIKey) != "" {
		return BackendGeminiAPI, nil
	}
	if firstNonEmpty(opts.ProjectID, c.env("GOOGLE_CLOUD_PROJECT"), c.Static.ProjectID) != "" {
		return BackendVertex, nil
	}
	return "", apierror.New(apierror.KindMissingCredentials, "no auth backend could be resolved: no API key or project configured", nil)
}
