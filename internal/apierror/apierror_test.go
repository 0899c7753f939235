// ABOUTME: Tests for the caller-facing error taxonomy
// ABOUTME: Verifies codes, HTTP statuses and classification of wrapped errors

package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_CodesAndStatuses(t *testing.T) {
	tests := []struct {
		kind   Kind
		code   string
		status int
	}{
		{KindUnauthorized, "unauthorized", http.StatusUnauthorized},
		{KindForbidden, "forbidden", http.StatusForbidden},
		{KindNotFound, "not_found", http.StatusNotFound},
		{KindValidation, "validation_error", http.StatusUnprocessableEntity},
		{KindRateLimited, "rate_limited", http.StatusTooManyRequests},
		{KindQuotaExceeded, "quota_exceeded", http.StatusTooManyRequests},
		{KindMCPUnreachable, "mcp_unreachable", http.StatusBadGateway},
		{KindMCPTimeout, "mcp_timeout", http.StatusGatewayTimeout},
		{KindMCPError, "mcp_error", http.StatusBadGateway},
		{KindInternal, "internal_error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.kind.Code())
			assert.Equal(t, tt.status, tt.kind.HTTPStatus())
		})
	}
}

func TestFrom_UnwrapsClassifiedError(t *testing.T) {
	inner := Forbidden("not in scope")
	wrapped := fmt.Errorf("authorizing: %w", inner)

	got := From(wrapped)
	assert.Same(t, inner, got)
	assert.Equal(t, KindForbidden, KindOf(wrapped))
}

func TestFrom_UnknownErrorIsInternal(t *testing.T) {
	cause := errors.New("disk on fire")
	got := From(cause)

	assert.Equal(t, KindInternal, got.Kind)
	assert.Equal(t, "internal error", got.Message)
	assert.ErrorIs(t, got, cause)
	assert.Nil(t, From(nil))
}

func TestRateLimited_CarriesRetryAfter(t *testing.T) {
	err := RateLimited(3)
	assert.Equal(t, 3, err.RetryAfter)
	assert.Equal(t, 3, err.Details["retry_after"])

	q := QuotaExceeded(86400)
	assert.Equal(t, "quota_exceeded", q.Code())
}
