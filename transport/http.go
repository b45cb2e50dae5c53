// Package transport implements the HTTP Client of spec.md §4.H: it
// performs one unary request, attaching auth via the coordinator's
// resolved Strategy and Credentials, and decodes the response into
// either a success body or a structured *apierror.Error carrying the
// raw decoded error body for the Retry Manager to classify.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/auth"
)

// Client performs unary Gemini API requests.
type Client struct {
	HTTP   *http.Client
	Logger *slog.Logger
}

// NewClient builds a Client with a sane default timeout and a
// slog.Default logger, matching the ambient logging used throughout
// this module.
func NewClient() *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: 120 * time.Second},
		Logger: slog.Default().With("component", "transport"),
	}
}

// Request describes one unary call.
type Request struct {
	Strategy auth.Strategy
	Creds    auth.Credentials
	Model    string
	Endpoint string
	Body     any
}

// Do performs req and returns the raw decoded success body, or a
// *apierror.Error whose Details field carries the entire decoded error
// body so the Retry Manager can extract RetryInfo from it.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, apierror.New(apierror.KindInvalidRequest, "failed to marshal request body", err)
	}

	url := req.Strategy.BaseURL(req.Creds) + "/" + req.Strategy.Path(req.Model, req.Endpoint, req.Creds)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apierror.New(apierror.KindTransportError, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	headers, err := req.Strategy.Headers(ctx, req.Creds)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	c.Logger.Debug("request start", "model", req.Model, "endpoint", req.Endpoint)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		c.Logger.Debug("request failed", "model", req.Model, "endpoint", req.Endpoint, "error", err, "elapsed", time.Since(start))
		return nil, apierror.New(apierror.KindTransportError, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.New(apierror.KindTransportError, "failed to read response body", err)
	}

	c.Logger.Debug("request complete", "model", req.Model, "endpoint", req.Endpoint, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(body), nil
	}

	return nil, buildErrorFromBody(resp.StatusCode, body)
}

// buildErrorFromBody preserves the entire decoded body in Details so
// package retry can walk error.details[] for RetryInfo.
func buildErrorFromBody(status int, body []byte) *apierror.Error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	message := fmt.Sprintf("http %d", status)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	return &apierror.Error{
		Kind:       kindForStatus(status),
		HTTPStatus: status,
		Message:    message,
		Details:    json.RawMessage(body),
		Raw:        body,
	}
}

func kindForStatus(status int) apierror.Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apierror.KindAuthExchangeFailed
	case status == http.StatusTooManyRequests:
		return apierror.KindRateLimited
	case status >= 500:
		return apierror.KindServerError
	default:
		return apierror.KindInvalidRequest
	}
}
