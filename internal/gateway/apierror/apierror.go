// Package apierror defines the gateway's client-facing error vocabulary.
// Every rejection the gateway produces maps to one Kind with a stable HTTP
// status and a JSON body of the shape
// {"error": {"message": ..., "type": ..., "code": ...}}.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind names one rejection class. The value is the wire "type" field.
type Kind string

const (
	KindMissingCredentials   Kind = "missing_credentials"
	KindAmbiguousCredentials Kind = "ambiguous_credentials"
	KindInvalidAPIKeyFormat  Kind = "invalid_api_key_format"
	KindInvalidAPIKey        Kind = "invalid_api_key"
	KindExpiredAPIKey        Kind = "expired_api_key"
	KindInvalidToken         Kind = "invalid_token"
	KindExpiredToken         Kind = "expired_token"
	KindInsufficientScope    Kind = "insufficient_scope"
	KindIPNotAllowed         Kind = "ip_not_allowed"
	KindBudgetExceeded       Kind = "budget_exceeded"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindGuardrailsBlocked    Kind = "guardrails_blocked"
	KindGuardrailsTimeout    Kind = "guardrails_timeout"
	KindProviderError        Kind = "provider_error"
	KindRequestTooLarge      Kind = "request_too_large"
	KindInternal             Kind = "internal_error"
)

// statusFor holds each kind's default HTTP status. Budget rejections and
// output-side guardrail blocks override per call site.
var statusFor = map[Kind]int{
	KindMissingCredentials:   http.StatusUnauthorized,
	KindAmbiguousCredentials: http.StatusUnauthorized,
	KindInvalidAPIKeyFormat:  http.StatusUnauthorized,
	KindInvalidAPIKey:        http.StatusUnauthorized,
	KindExpiredAPIKey:        http.StatusUnauthorized,
	KindInvalidToken:         http.StatusUnauthorized,
	KindExpiredToken:         http.StatusUnauthorized,
	KindInsufficientScope:    http.StatusForbidden,
	KindIPNotAllowed:         http.StatusForbidden,
	KindBudgetExceeded:       http.StatusPaymentRequired,
	KindRateLimitExceeded:    http.StatusTooManyRequests,
	KindGuardrailsBlocked:    http.StatusBadRequest,
	KindGuardrailsTimeout:    http.StatusBadGateway,
	KindProviderError:        http.StatusBadGateway,
	KindRequestTooLarge:      http.StatusRequestEntityTooLarge,
	KindInternal:             http.StatusInternalServerError,
}

// defaultMessage keeps auth rejections uniform so responses never reveal
// whether a key exists, is unknown, or was revoked.
var defaultMessage = map[Kind]string{
	KindMissingCredentials:   "missing credentials",
	KindAmbiguousCredentials: "both API key and bearer token were provided; send exactly one",
	KindInvalidAPIKeyFormat:  "invalid API key",
	KindInvalidAPIKey:        "invalid API key",
	KindExpiredAPIKey:        "API key expired",
	KindInvalidToken:         "invalid token",
	KindExpiredToken:         "token expired",
	KindInsufficientScope:    "insufficient scope",
	KindIPNotAllowed:         "requests from this address are not allowed",
	KindBudgetExceeded:       "budget exceeded",
	KindRateLimitExceeded:    "rate limit exceeded",
	KindGuardrailsBlocked:    "request blocked by content policy",
	KindGuardrailsTimeout:    "content screening timed out",
	KindProviderError:        "upstream provider error",
	KindRequestTooLarge:      "request body too large",
	KindInternal:             "internal error",
}

// Error is a typed, renderable gateway rejection.
type Error struct {
	Kind    Kind
	Message string

	status int
	cause  error
}

// New builds an Error of kind. An empty message takes the kind's default.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = defaultMessage[kind]
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error carrying cause for logs. The cause never reaches the
// response body.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// WithStatus overrides the kind's default HTTP status, for configurable
// mappings like budget_exceeded 402 vs 429.
func (e *Error) WithStatus(status int) *Error {
	e.status = status
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status the error renders with.
func (e *Error) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// Write renders e as JSON. Headers the caller set beforehand survive.
func Write(w http.ResponseWriter, e *Error) {
	status := e.HTTPStatus()
	if e.Kind == KindMissingCredentials {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Message: e.Message,
		Type:    string(e.Kind),
		Code:    status,
	}})
}

// From converts any error into an *Error, passing typed rejections through
// and folding everything else into an internal error.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(KindInternal, "", err)
}
