package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/internal/singleflight"
)

// tokenSkew is how far ahead of actual expiry a cached token is treated as
// stale, per spec.md §3 ("never returned if now >= expires_at - skew").
const tokenSkew = 60 * time.Second

// CachedToken is a resolved OAuth2 access token plus the key it was cached
// under (spec.md §3).
type CachedToken struct {
	AccessToken        string
	ExpiresAt          time.Time
	ServiceAccountPath string
	Scope              string
}

type tokenCacheKey struct {
	serviceAccountPath string
	scope              string
}

// TokenCache is the process-wide OAuth2 access token cache of spec.md
// §4.B. Concurrent callers for the same (service_account_path, scope) key
// coalesce onto a single in-flight token exchange.
type TokenCache struct {
	mu       sync.RWMutex
	tokens   map[tokenCacheKey]CachedToken
	inflight singleflight.Group[tokenCacheKey, CachedToken]

	httpClient *http.Client
	now        func() time.Time
}

// NewTokenCache creates an empty token cache. httpClient defaults to
// http.DefaultClient if nil.
func NewTokenCache(httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenCache{
		tokens:     make(map[tokenCacheKey]CachedToken),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// GetOrFetch returns a cached, still-valid token for the given key, or
// performs a fresh OAuth2 JWT-bearer token exchange. Concurrent callers
// racing for the same key share one exchange (dogpile suppression).
func (c *TokenCache) GetOrFetch(ctx context.Context, serviceAccountPath, scope string) (*CachedToken, error) {
	key := tokenCacheKey{serviceAccountPath: serviceAccountPath, scope: scope}

	if cached, ok := c.lookup(key); ok {
		return &cached, nil
	}

	resultCh := c.inflight.DoChan(key, func() (CachedToken, error) {
		return c.exchange(ctx, serviceAccountPath, scope)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return &res.Val, nil
	}
}

// Invalidate removes a cached entry, forcing the next GetOrFetch to
// re-exchange.
func (c *TokenCache) Invalidate(serviceAccountPath, scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, tokenCacheKey{serviceAccountPath: serviceAccountPath, scope: scope})
}

func (c *TokenCache) lookup(key tokenCacheKey) (CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[key]
	if !ok {
		return CachedToken{}, false
	}
	if !c.now().Before(tok.ExpiresAt.Add(-tokenSkew)) {
		return CachedToken{}, false
	}
	return tok, true
}

// exchange performs the JWT-bearer grant via golang.org/x/oauth2/jwt:
// Config.TokenSource builds and signs the RS256 assertion itself and
// posts it to the service account's token endpoint, so this package no
// longer hand-rolls either the assertion or the form-encoded HTTP
// exchange.
func (c *TokenCache) exchange(ctx context.Context, serviceAccountPath, scope string) (CachedToken, error) {
	// Re-check under the singleflight: another goroutine may have just
	// populated the cache while we waited to enter exchange().
	key := tokenCacheKey{serviceAccountPath: serviceAccountPath, scope: scope}
	if cached, ok := c.lookup(key); ok {
		return cached, nil
	}

	cfg, err := loadJWTConfig(serviceAccountPath, scope)
	if err != nil {
		return CachedToken{}, err
	}

	now := c.now()
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := cfg.TokenSource(tokenCtx).Token()
	if err != nil {
		return CachedToken{}, apierror.New(apierror.KindAuthExchangeFailed, "token exchange request failed", err)
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(time.Hour)
	}

	tok := CachedToken{
		AccessToken:        token.AccessToken,
		ExpiresAt:          expiresAt,
		ServiceAccountPath: serviceAccountPath,
		Scope:              scope,
	}

	c.mu.Lock()
	c.tokens[key] = tok
	c.mu.Unlock()

	return tok, nil
}
