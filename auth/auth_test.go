package auth

import (
	"context"
	"testing"
	"time"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeModel(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"gemini-2.0-flash", "gemini-2.0-flash"},
		{"models/gemini-2.0-flash", "gemini-2.0-flash"},
		{"models/models/gemini-2.0-flash", "gemini-2.0-flash"},
		{"publishers/google/models/gemini-2.0-flash", "gemini-2.0-flash"},
		{"gemini-2.0-flash:generateContent", "gemini-2.0-flash"},
		{"projects/p/locations/l/publishers/google/models/gemini-2.0-flash", "projects/p/locations/l/publishers/google/models/gemini-2.0-flash"},
	}
	for _, tc := range cases {
		got, err := NormalizeModel(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestNormalizeModelRejectsPathInjection(t *testing.T) {
	for _, bad := range []string{"../../secret", "model?x=1", "model&x=1"} {
		_, err := NormalizeModel(bad)
		require.Error(t, err)
		assert.Equal(t, apierror.KindInvalidRequest, apierror.KindOf(err))
	}
}

func TestApiKeyStrategyMissingKey(t *testing.T) {
	_, err := ApiKeyStrategy{}.Headers(context.Background(), Credentials{})
	require.Error(t, err)
	assert.Equal(t, apierror.KindMissingCredentials, apierror.KindOf(err))
}

func TestApiKeyStrategyHeaders(t *testing.T) {
	h, err := ApiKeyStrategy{}.Headers(context.Background(), Credentials{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "k", h.Get("x-goog-api-key"))
}

func TestOAuth2StrategyUsesAccessTokenWithoutCache(t *testing.T) {
	s := OAuth2Strategy{}
	h, err := s.Headers(context.Background(), Credentials{ProjectID: "p", Location: "us-central1", AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
}

func TestOAuth2StrategyMissingProject(t *testing.T) {
	_, err := OAuth2Strategy{}.Headers(context.Background(), Credentials{Location: "us-central1", AccessToken: "tok"})
	require.Error(t, err)
	assert.Equal(t, apierror.KindMissingCredentials, apierror.KindOf(err))
}

func TestCoordinatorExplicitBackendNoSilentFallback(t *testing.T) {
	c := &Coordinator{Static: StaticConfig{APIKey: "k"}, Env: func(string) (string, bool) { return "", false }}
	strategy, _, err := c.Coordinate(context.Background(), CallOptions{Backend: BackendVertex})
	require.NoError(t, err)
	_, isOAuth := strategy.(OAuth2Strategy)
	assert.True(t, isOAuth, "explicit vertex selector must not fall back to gemini_api strategy")
}

func TestCoordinatorPerCallOverridesStatic(t *testing.T) {
	c := &Coordinator{
		Static: StaticConfig{APIKey: "static-key"},
		Env:    func(string) (string, bool) { return "", false },
	}
	_, creds, err := c.Coordinate(context.Background(), CallOptions{APIKey: "call-key"})
	require.NoError(t, err)
	assert.Equal(t, "call-key", creds.APIKey)
}

func TestCoordinatorEnvFallsBackBelowPerCall(t *testing.T) {
	c := &Coordinator{
		Static: StaticConfig{},
		Env: func(key string) (string, bool) {
			if key == "GEMINI_API_KEY" {
				return "env-key", true
			}
			return "", false
		},
	}
	_, creds, err := c.Coordinate(context.Background(), CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "env-key", creds.APIKey)
}

func TestCoordinatorNoCredentialsConfigured(t *testing.T) {
	c := &Coordinator{Env: func(string) (string, bool) { return "", false }}
	_, _, err := c.Coordinate(context.Background(), CallOptions{})
	require.Error(t, err)
	assert.Equal(t, apierror.KindMissingCredentials, apierror.KindOf(err))
}

func TestTokenCacheServesCachedTokenUntilSkew(t *testing.T) {
	cache := NewTokenCache(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	cache.tokens[tokenCacheKey{serviceAccountPath: "sa.json", scope: "scope"}] = CachedToken{
		AccessToken: "cached",
		ExpiresAt:   now.Add(5 * time.Minute),
	}

	got, err := cache.GetOrFetch(context.Background(), "sa.json", "scope")
	require.NoError(t, err)
	assert.Equal(t, "cached", got.AccessToken)
}

func TestTokenCacheTreatsWithinSkewAsStale(t *testing.T) {
	cache := NewTokenCache(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	key := tokenCacheKey{serviceAccountPath: "sa.json", scope: "scope"}
	cache.tokens[key] = CachedToken{
		AccessToken: "about-to-expire",
		ExpiresAt:   now.Add(30 * time.Second),
	}

	_, ok := cache.lookup(key)
	assert.False(t, ok, "a token expiring within the 60s skew must be treated as stale")
}
