// Package apierror defines the caller-facing error taxonomy of the gateway.
//
// Every failure that reaches an HTTP client is an *Error carrying a Kind. The
// Kind fixes both the snake_case code placed in the response envelope and the
// HTTP status. Lower layers keep returning their own sentinel errors; the
// gateway converts them at the edge with From, which maps anything it does
// not recognize to KindInternal so that internal detail never leaks.
//
// # Kinds
//
//   - unauthorized (401): missing, invalid, expired or revoked credential
//   - forbidden (403): credential valid but target outside its scope
//   - not_found (404): referenced resource absent from the caller's organization
//   - validation_error (422): malformed request body or fields
//   - rate_limited / quota_exceeded (429): per-second or monthly ceiling hit
//   - mcp_unreachable (502), mcp_timeout (504), mcp_error (502): downstream failures
//   - internal_error (500): anything else
package apierror
