// Package proxy forwards tool calls to registered MCP servers.
//
// A Router takes a call that has already passed authentication, rate limiting
// and scope checks, and sends it downstream over a pooled HTTP client. The
// downstream answer is handled by a table keyed on response media type: JSON
// bodies are parsed and returned whole, event streams are relayed to the
// caller one event at a time. Every call produces exactly one usage record,
// and failed calls also produce an audit entry.
//
// ListTools fans a tools/list request out to many servers at once. Each
// server gets its own partial deadline, and servers that fail are reported
// as skipped instead of failing the listing.
//
// Pool keeps one keep-alive transport per (organization, endpoint origin) so
// tenants never share connections. A pool is evicted when the last server
// using its origin is removed or moves elsewhere.
package proxy
