// ABOUTME: Caller-facing error kinds with their envelope codes and HTTP statuses
// ABOUTME: Wraps lower-layer errors so handlers can render a uniform error envelope

package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindValidation
	KindRateLimited
	KindQuotaExceeded
	KindMCPUnreachable
	KindMCPTimeout
	KindMCPError
)

var kindCodes = map[Kind]string{
	KindInternal:       "internal_error",
	KindUnauthorized:   "unauthorized",
	KindForbidden:      "forbidden",
	KindNotFound:       "not_found",
	KindValidation:     "validation_error",
	KindRateLimited:    "rate_limited",
	KindQuotaExceeded:  "quota_exceeded",
	KindMCPUnreachable: "mcp_unreachable",
	KindMCPTimeout:     "mcp_timeout",
	KindMCPError:       "mcp_error",
}

var kindStatus = map[Kind]int{
	KindInternal:       http.StatusInternalServerError,
	KindUnauthorized:   http.StatusUnauthorized,
	KindForbidden:      http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindValidation:     http.StatusUnprocessableEntity,
	KindRateLimited:    http.StatusTooManyRequests,
	KindQuotaExceeded:  http.StatusTooManyRequests,
	KindMCPUnreachable: http.StatusBadGateway,
	KindMCPTimeout:     http.StatusGatewayTimeout,
	KindMCPError:       http.StatusBadGateway,
}

// Code returns the snake_case envelope code.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

// HTTPStatus returns the status code the kind is surfaced as.
func (k Kind) HTTPStatus() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (k Kind) String() string { return k.Code() }

// Error is a classified, caller-safe error.
type Error struct {
	Kind    Kind
	Message string
	// Details is rendered verbatim into the envelope; never put credentials
	// or tool argument values here.
	Details map[string]any
	// RetryAfter is set for rate_limited and quota_exceeded, in whole seconds.
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the envelope code for the error's kind.
func (e *Error) Code() string { return e.Kind.Code() }

// HTTPStatus returns the HTTP status for the error's kind.
func (e *Error) HTTPStatus() int { return e.Kind.HTTPStatus() }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithDetails returns e with details attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func Forbidden(message string) *Error    { return New(KindForbidden, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Validation(message string) *Error   { return New(KindValidation, message) }

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}

// RateLimited reports a per-second ceiling hit.
func RateLimited(retryAfter int) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter,
		Details: map[string]any{"retry_after": retryAfter}}
}

// QuotaExceeded reports a monthly ceiling hit.
func QuotaExceeded(retryAfter int) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: "monthly quota exceeded", RetryAfter: retryAfter,
		Details: map[string]any{"retry_after": retryAfter}}
}

// From extracts an *Error from err's chain, or classifies err as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// KindOf returns the kind of err, KindInternal if unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}
