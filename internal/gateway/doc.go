// Package gateway orchestrates the mcp-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the mcp-gateway server.
// It owns the data store, the credential gate, the rate limiter, the MCP
// server registry, the health monitor, the proxy router with its connection
// pool, and the audit and usage sinks, and serves them over one HTTP server.
//
// # Request Flow
//
// A tool call on POST /mcp passes through, in order:
//
//  1. Request id assignment (X-Request-ID, generated when absent)
//  2. Authentication (API key or service-account JWT)
//  3. Rate and quota checks
//  4. Scope authorization, then registry lookup
//  5. Forwarding by the proxy router, which records usage and audits failures
//
// Rejections at steps 2 to 4 never reach the router. A credential scoped to
// other servers is told forbidden even for ids that do not exist.
//
// GET /mcp/tools runs the same first three steps, then asks every server the
// scope grants for its tools. Servers that miss their partial deadline are
// reported as skipped rather than failing the listing.
//
// # HTTP API
//
//   - POST /mcp - Invoke a tool on a registered MCP server
//   - GET /mcp/tools - List tools across every reachable server
//   - GET /v1/mcps, GET /v1/mcps/{id} - List and inspect servers
//   - POST /v1/mcps[/{id}], PATCH /v1/mcps/{id}, DELETE /v1/mcps/{id} - Manage servers (admin)
//   - GET, POST /v1/api-keys, GET, DELETE /v1/api-keys/{id} - Manage keys (admin)
//   - GET /v1/usage - Usage aggregates for the caller's organization
//   - GET /v1/audit - Audit log for the caller's organization (admin)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store reachable)
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Response Envelope
//
// Successful responses are wrapped as:
//
//	{"success": true, "data": {...}, "meta": {...}}
//
// Failures as:
//
//	{"success": false, "error": {"code": "rate_limited", "message": "...", "details": {...}}}
//
// Rate and quota rejections carry a Retry-After header. Tool calls answered
// with text/event-stream are relayed as a stream and are not wrapped.
//
// # Lifecycle
//
// Run serves HTTP and runs the health monitor until the context is canceled.
// Shutdown drains in-flight requests first, then the sinks, then closes the store.
//
// # Tailscale
//
// When tailscale.enabled is set the HTTP listener is served on the tailnet
// through tsnet, optionally with HTTPS certificates or Funnel.
package gateway
