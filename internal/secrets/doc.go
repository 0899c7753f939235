// Package secrets seals credentials that must be stored but never shown again:
// downstream MCP server auth material and per-organization JWT signing
// secrets.
//
// A Box derives a 256-bit key from the configured master secret with HKDF-SHA256
// and seals values with XChaCha20-Poly1305. Sealed values are base64url
// strings of nonce||ciphertext, safe to store in TEXT columns.
package secrets
