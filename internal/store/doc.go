// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with specialized
// interfaces:
//
//   - OrgStore: organizations (tenants)
//   - APIKeyStore: hashed API keys and their MCP scope
//   - MCPServerStore: registered downstream MCP servers
//   - AuditStore: append-only audit log
//   - UsageStore: per-request usage records and aggregates
//
// SQLiteStore implements all interfaces in a single struct and additionally
// provides IncrementWindow, the atomic fixed-window counter used by the rate
// limiter's SQLite backend.
//
// # Isolation
//
// Every registry read and write takes the organization id and places it in
// the WHERE clause. MCP server ids are unique per organization, and the
// api_key_mcps table references mcp_servers through the composite
// (org_id, id) key, so a key can never be scoped to another organization's
// server: the database rejects the row at write time.
//
// # Secrets
//
// Downstream server credentials and organization JWT signing secrets pass
// through a Sealer before they are written. Production wiring uses
// secrets.Box; tests may pass nil to store them unsealed.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC text so that lexical order equals
// chronological order.
package store
