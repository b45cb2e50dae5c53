package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStrategy struct {
	base string
}

func (s fixedStrategy) BaseURL(auth.Credentials) string { return s.base }
func (fixedStrategy) Path(model, endpoint string, _ auth.Credentials) string {
	return "v1beta/models/" + model + ":" + endpoint
}
func (fixedStrategy) Headers(context.Context, auth.Credentials) (http.Header, error) {
	h := http.Header{}
	h.Set("x-goog-api-key", "test-key")
	return h, nil
}

func TestClientDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c := NewClient()
	body, err := c.Do(context.Background(), Request{
		Strategy: fixedStrategy{base: srv.URL},
		Model:    "gemini-2.0-flash",
		Endpoint: "generateContent",
		Body:     map[string]any{"contents": []any{}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), "candidates")
}

func TestClientDoPropagatesErrorDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Do(context.Background(), Request{
		Strategy: fixedStrategy{base: srv.URL},
		Model:    "gemini-2.0-flash",
		Endpoint: "generateContent",
		Body:     map[string]any{},
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindRateLimited, apiErr.Kind)
	assert.Contains(t, string(apiErr.Details), "RetryInfo")
}
