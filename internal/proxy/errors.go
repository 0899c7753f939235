// ABOUTME: Maps downstream transport failures onto caller-facing error kinds
// ABOUTME: Only connection-level failures are marked safe to retry

package proxy

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/2389/mcp-gateway/internal/apierror"
)

// OutcomeCancelled is recorded when the caller went away before the call finished.
const OutcomeCancelled = "cancelled"

// errCallerGone marks calls abandoned by the caller.
var errCallerGone = errors.New("caller cancelled request")

// classify maps an error from sending a request or reading its response.
// retryable is true only when the request never reached the server.
func classify(callCtx context.Context, err error) (ae *apierror.Error, retryable bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return apierror.Wrap(apierror.KindMCPTimeout, "MCP server did not respond in time", err), false
	}
	if errors.Is(err, context.Canceled) || callCtx.Err() != nil {
		return apierror.Wrap(apierror.KindInternal, "request cancelled", errors.Join(errCallerGone, err)), false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apierror.Wrap(apierror.KindMCPUnreachable, "MCP server host could not be resolved", err), true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apierror.Wrap(apierror.KindMCPUnreachable, "MCP server refused the connection", err), true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return apierror.Wrap(apierror.KindMCPUnreachable, "MCP server refused the connection", err), true
	}

	// The request may have been delivered; the connection broke afterwards.
	return apierror.Wrap(apierror.KindMCPUnreachable, "connection to MCP server failed", err), false
}

// outcomeOf returns the usage outcome for err.
func outcomeOf(err error) string {
	if errors.Is(err, errCallerGone) {
		return OutcomeCancelled
	}
	return apierror.KindOf(err).Code()
}
