// Package registry is the organization-scoped view of MCP servers and API keys.
//
// Every read and write takes the organization id from the caller, and every
// store query is filtered by it, so no code path returns another
// organization's rows. The registry validates inputs, writes audit entries
// for mutations and notifies observers (the health monitor and the proxy's
// connection pool) when servers change. Role checks are not done here; the
// HTTP layer applies auth.RequireAdmin before calling mutations.
package registry
