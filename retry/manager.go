// Package retry implements the Retry Manager of spec.md §4.F: it
// classifies an HTTP response into ok/retry/fatal, extracting RetryInfo
// from the error body when present, and computes the backoff duration
// for the non-hinted case.
package retry

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nshkrdotcom/gemini-go/internal/backoff"
)

// Classification is the outcome of classifying one HTTP response.
type Classification int

const (
	ClassificationOK Classification = iota
	ClassificationRetry
	ClassificationFatal
)

// RetryInfo is the subset of google.rpc.RetryInfo / ErrorInfo this
// package extracts from a non-2xx error body (spec.md §4.F).
type RetryInfo struct {
	AfterMs         int64
	QuotaMetric     string
	QuotaID         string
	QuotaDimensions map[string]string
}

// Result is what Classify returns.
type Result struct {
	Classification Classification
	RetryInfo      RetryInfo // populated when Classification == ClassificationRetry
}

// Policy parameterizes the non-hinted exponential backoff path.
type Policy struct {
	Base        time.Duration
	MaxBackoff  time.Duration
	JitterFactor float64
	MaxAttempts int
}

// DefaultPolicy mirrors config.md §8's documented defaults.
func DefaultPolicy() Policy {
	return Policy{Base: 1 * time.Second, MaxBackoff: 60 * time.Second, JitterFactor: 0.2, MaxAttempts: 5}
}

const retryInfoType = "type.googleapis.com/google.rpc.RetryInfo"
const errorInfoType = "type.googleapis.com/google.rpc.ErrorInfo"

// Classify implements spec.md §4.F's classification rules. attempt is
// 1-indexed and only consulted for the non-hinted 429/503 backoff
// formula and the "5xx other than 503, up to max_attempts" rule.
func Classify(statusCode int, body []byte, attempt int, policy Policy) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return Result{Classification: ClassificationOK}

	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return Result{Classification: ClassificationFatal}

	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusServiceUnavailable:
		if info, ok := extractRetryInfo(body); ok {
			return Result{Classification: ClassificationRetry, RetryInfo: info}
		}
		return Result{Classification: ClassificationRetry, RetryInfo: RetryInfo{AfterMs: nonHintedBackoffMs(attempt, policy)}}

	case statusCode >= 400 && statusCode < 500:
		return Result{Classification: ClassificationFatal}

	case statusCode >= 500:
		if attempt >= policy.MaxAttempts {
			return Result{Classification: ClassificationFatal}
		}
		return Result{Classification: ClassificationRetry, RetryInfo: RetryInfo{AfterMs: nonHintedBackoffMs(attempt, policy)}}

	default:
		return Result{Classification: ClassificationFatal}
	}
}

// ClassifyNetworkError classifies a transport-level failure (connection
// refused, connection closed, timeout): always retry, per spec.md §4.F.
func ClassifyNetworkError(attempt int, policy Policy) Result {
	return Result{Classification: ClassificationRetry, RetryInfo: RetryInfo{AfterMs: nonHintedBackoffMs(attempt, policy)}}
}

func nonHintedBackoffMs(attempt int, policy Policy) int64 {
	d := backoff.Compute(backoff.Policy{
		InitialMs: float64(policy.Base.Milliseconds()),
		MaxMs:     float64(policy.MaxBackoff.Milliseconds()),
		Factor:    2,
		Jitter:    policy.JitterFactor,
	}, attempt)
	return d.Milliseconds()
}

// extractRetryInfo looks for a google.rpc.RetryInfo or ErrorInfo entry in
// error.details, falling back to nothing found. Grounded on the
// error.details[].{@type,retryDelay} walk used against this same API by
// other clients in the wild.
func extractRetryInfo(body []byte) (RetryInfo, bool) {
	details := gjson.GetBytes(body, "error.details")
	if !details.Exists() || !details.IsArray() {
		return RetryInfo{}, false
	}

	for _, detail := range details.Array() {
		if detail.Get("@type").String() != retryInfoType {
			continue
		}
		raw := detail.Get("retryDelay").String()
		ms, err := ParseDurationMs(raw)
		if err != nil {
			continue
		}
		info := RetryInfo{AfterMs: ms}
		if qm := detail.Get("metadata.quotaMetric").String(); qm != "" {
			info.QuotaMetric = qm
		}
		if qi := detail.Get("metadata.quotaId").String(); qi != "" {
			info.QuotaID = qi
		}
		if dims := detail.Get("metadata.quotaDimensions"); dims.Exists() && dims.IsObject() {
			info.QuotaDimensions = map[string]string{}
			dims.ForEach(func(k, v gjson.Result) bool {
				info.QuotaDimensions[k.String()] = v.String()
				return true
			})
		}
		return info, true
	}

	for _, detail := range details.Array() {
		if detail.Get("@type").String() != errorInfoType {
			continue
		}
		raw := detail.Get("metadata.quotaResetDelay").String()
		if ms, err := ParseDurationMs(raw); err == nil {
			return RetryInfo{AfterMs: ms}, true
		}
	}

	return RetryInfo{}, false
}

// ParseDurationMs parses a Google-style duration string ("60s", "1.5s",
// "500ms", "2m", or a bare integer number of seconds) into milliseconds.
// A trailing "s" with a non-numeric mantissa is rejected rather than
// silently truncated, matching spec.md's malformed_response edge case.
func ParseDurationMs(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errMalformedDuration
	}

	// Bare integer: treat as whole seconds (observed from quota-reset
	// messages that omit a unit suffix entirely).
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n * 1000, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errMalformedDuration
	}
	return d.Milliseconds(), nil
}

var errMalformedDuration = &durationError{}

type durationError struct{}

func (*durationError) Error() string { return "malformed_response: unparseable retry duration" }

// Jitter returns base shifted by a uniformly random amount within
// ±factor×base, for callers composing their own backoff loop. This
// package's own backoff does not use it: internal/backoff only adds
// jitter on top of the computed delay.
func Jitter(base time.Duration, factor float64) time.Duration {
	delta := float64(base) * factor * (rand.Float64()*2 - 1) // #nosec G404 -- jitter only
	return base + time.Duration(delta)
}
