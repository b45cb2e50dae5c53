// Package apierror defines the error taxonomy shared by every layer that
// talks to the Gemini API, from the HTTP client up through the top-level
// client facade.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an error the way spec.md §7 describes it: semantically,
// not by Go type. Callers should switch on Kind rather than type-assert.
type Kind string

const (
	KindMissingCredentials Kind = "missing_credentials"
	KindAuthExchangeFailed Kind = "auth_exchange_failed"
	KindInvalidRequest     Kind = "invalid_request"
	KindRateLimited        Kind = "rate_limited"
	KindServerError        Kind = "server_error"
	KindTransportError     Kind = "transport_error"
	KindOverEmbargo        Kind = "over_embargo"
	KindOverBudget         Kind = "over_budget"
	KindOverCapacity       Kind = "over_capacity"
	KindTimeout            Kind = "timeout"
	KindMalformedResponse  Kind = "malformed_response"
	KindTurnLimitExceeded  Kind = "turn_limit_exceeded"
	KindInvalidState       Kind = "invalid_state"
	KindMaxStreamsReached  Kind = "max_streams_reached"
)

// Error is the structured envelope every layer attaches context to as it
// propagates upward. Components closest to the wire (the HTTP client, the
// SSE runner) set HTTPStatus/Details/Raw without reshaping them; middle
// layers (retry, rate-limit) add Kind; the top layer returns it unchanged
// so applications can distinguish, e.g., "rate_limited on generateContent
// quota" from "rate_limited on countTokens quota" via Details.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Message    string
	Code       string
	// Details is the full error response body (including, for a Google
	// RPC error, its `details` array), preserved verbatim so upstream layers can
	// extract RetryInfo, quotaMetric, etc. without the envelope needing to
	// know about every possible detail shape.
	Details json.RawMessage
	// Raw is the unparsed response body, kept for malformed_response
	// diagnostics.
	Raw []byte
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an Error of the given kind wrapping cause (cause may be nil).
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether err carries the given Kind, looking through wrapped
// errors via errors.As.
func Is(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
