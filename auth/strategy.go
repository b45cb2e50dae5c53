// Package auth implements the multi-auth coordinator of spec.md §4.A-C:
// two concurrent authentication strategies (API key, OAuth2 service
// account), a process-wide OAuth2 token cache, and a coordinator that
// resolves per-call overrides into a ready-to-send URL and header set.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nshkrdotcom/gemini-go/apierror"
)

const vertexAIScope = "https://www.googleapis.com/auth/cloud-platform"

// Credentials is the resolved material a strategy needs to build a
// request: live access token and expiry (OAuth2) or API key, plus
// project/location (OAuth2). ServiceAccountPath/Scope are retained so
// Headers can lazily exchange a token through the cache when AccessToken
// is still empty (spec.md §3, "Credentials (resolved)").
type Credentials struct {
	APIKey             string
	AccessToken        string
	ExpiresAt          time.Time
	ProjectID          string
	Location           string
	QuotaProjectID     string
	ServiceAccountPath string
	Scope              string
}

// Strategy builds the base URL, request path, and auth headers for one
// authentication scheme (spec.md §4.A).
type Strategy interface {
	// BaseURL returns the scheme+host portion of the request URL.
	BaseURL(creds Credentials) string
	// Path returns the request path for model+endpoint, with the model
	// name already normalized by the caller.
	Path(model, endpoint string, creds Credentials) string
	// Headers returns the headers to attach to the request, resolving a
	// live token through the cache if necessary.
	Headers(ctx context.Context, creds Credentials) (http.Header, error)
}

// ApiKeyStrategy implements the public Gemini API's API-key auth scheme.
type ApiKeyStrategy struct{}

func (ApiKeyStrategy) BaseURL(Credentials) string {
	return "https://generativelanguage.googleapis.com"
}

func (ApiKeyStrategy) Path(model, endpoint string, _ Credentials) string {
	return "v1beta/models/" + model + ":" + endpoint
}

func (ApiKeyStrategy) Headers(_ context.Context, creds Credentials) (http.Header, error) {
	if strings.TrimSpace(creds.APIKey) == "" {
		return nil, apierror.New(apierror.KindMissingCredentials, "missing_api_key", nil)
	}
	h := http.Header{}
	h.Set("x-goog-api-key", creds.APIKey)
	return h, nil
}

// OAuth2Strategy implements the Vertex AI deployment's service-account
// auth scheme.
type OAuth2Strategy struct {
	Cache *TokenCache
}

func (OAuth2Strategy) BaseURL(creds Credentials) string {
	return "https://" + creds.Location + "-aiplatform.googleapis.com"
}

func (OAuth2Strategy) Path(model, endpoint string, creds Credentials) string {
	return "v1/projects/" + creds.ProjectID + "/locations/" + creds.Location +
		"/publishers/google/models/" + model + ":" + endpoint
}

func (s OAuth2Strategy) Headers(ctx context.Context, creds Credentials) (http.Header, error) {
	if strings.TrimSpace(creds.ProjectID) == "" {
		return nil, apierror.New(apierror.KindMissingCredentials, "missing_project_id", nil)
	}
	if strings.TrimSpace(creds.Location) == "" {
		return nil, apierror.New(apierror.KindMissingCredentials, "missing_location", nil)
	}

	token := creds.AccessToken
	if token == "" {
		if s.Cache == nil {
			return nil, apierror.New(apierror.KindMissingCredentials, "no access_token and no token cache configured", nil)
		}
		scope := creds.Scope
		if scope == "" {
			scope = vertexAIScope
		}
		cached, err := s.Cache.GetOrFetch(ctx, creds.ServiceAccountPath, scope)
		if err != nil {
			return nil, err
		}
		token = cached.AccessToken
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if creds.QuotaProjectID != "" {
		h.Set("x-goog-user-project", creds.QuotaProjectID)
	}
	return h, nil
}
