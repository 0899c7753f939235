// Package config loads gateway configuration from a YAML or TOML file.
//
// # Format
//
// The format is chosen by file extension: ".toml" is decoded as TOML, anything
// else as YAML. Before decoding, ${VAR_NAME} references are replaced with the
// value of the environment variable (empty when unset), so secrets can stay
// out of the file:
//
//	auth:
//	  api_key_secret: "${MCP_GATEWAY_KEY_SECRET}"
//
// Durations are written as Go duration strings ("30s", "5m") and parsed after
// decoding. Missing values receive defaults (see applyDefaults) and the result
// is validated before Load returns.
//
// # Sections
//
//   - server: HTTP listen address
//   - tailscale: optional tsnet listener
//   - database: SQLite path
//   - auth: API key HMAC secret, sealing key, JWT issuer/audience/leeway
//   - rate_limit: counter backend and plan ceilings
//   - health: probe interval, timeout and transition thresholds
//   - proxy: deadlines, pooling and unhealthy-server policy
//   - audit, usage: async sink buffering
//   - logging, metrics
package config
