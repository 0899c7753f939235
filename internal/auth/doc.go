// Package auth authenticates inbound gateway requests.
//
// # Credentials
//
// Two credential kinds are accepted:
//
//   - API keys: opaque tokens of the form mcpgw_v1_<payload>. The gateway
//     stores only an HMAC-SHA256 of the payload keyed with the configured
//     api_key_secret, looks the key up by that hash and compares it in
//     constant time. Revoked and expired keys, and keys of organizations that
//     are not active, are rejected.
//
//   - Service-account JWTs: HS256 tokens signed with the organization's
//     signing secret. The "org" claim selects the organization, "sub" names
//     the service account and "mcps" carries the permission scope, either a
//     list of MCP ids or the wildcard "*". aud, iss, exp and iat are checked
//     with a configurable clock-skew leeway (default 60s).
//
// Both paths produce a Principal: organization, key or service-account id,
// role and MCP scope. Handlers read it with FromContext after Middleware has
// run.
//
// # Side effects
//
// Successful API key authentication schedules an asynchronous last-used
// update. Updates for the same key are debounced through a dedupe.Cache so
// hot keys do not turn every request into a database write. Authentication
// failures are reported to the audit recorder with the key id when known,
// otherwise with a short key prefix. The raw credential is never logged.
//
// # Roles
//
// RequireAdmin only lets owner and admin principals through. It is the
// permission layer in front of registry mutations; the registry itself only
// enforces organization scoping.
package auth
