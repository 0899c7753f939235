// ABOUTME: API key token format, generation and HMAC hashing
// ABOUTME: Only the keyed hash of the token payload is ever persisted

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// API key format constants
const (
	KeyPrefix     = "mcpgw"
	KeyVersion    = "v1"
	payloadBytes  = 32
	displayPrefix = 12
)

// ErrMalformedKey is returned when a token does not have the API key shape.
var ErrMalformedKey = errors.New("malformed api key")

// KeyHasher computes keyed hashes of API key payloads.
type KeyHasher struct {
	secret []byte
}

// NewKeyHasher creates a hasher. The secret must be at least 32 bytes.
func NewKeyHasher(secret []byte) (*KeyHasher, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("api key secret must be at least 32 bytes, got %d", len(secret))
	}
	return &KeyHasher{secret: secret}, nil
}

// IssuedKey is a freshly generated key. Token is shown to the caller once.
type IssuedKey struct {
	Token  string
	Prefix string
	Hash   string
}

// Generate creates a new random API key.
func (h *KeyHasher) Generate() (*IssuedKey, error) {
	buf := make([]byte, payloadBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating api key: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(buf)
	token := KeyPrefix + "_" + KeyVersion + "_" + payload
	return &IssuedKey{
		Token:  token,
		Prefix: SafePrefix(token),
		Hash:   h.hashPayload(payload),
	}, nil
}

// Hash validates the token shape and returns the hash of its payload.
func (h *KeyHasher) Hash(token string) (string, error) {
	payload, err := splitKey(token)
	if err != nil {
		return "", err
	}
	return h.hashPayload(payload), nil
}

// Equal compares two hex hashes in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func (h *KeyHasher) hashPayload(payload string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// splitKey returns the payload of a prefix_version_payload token.
func splitKey(token string) (string, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != KeyPrefix {
		return "", ErrMalformedKey
	}
	if parts[1] != KeyVersion {
		return "", fmt.Errorf("%w: unsupported version %q", ErrMalformedKey, parts[1])
	}
	if len(parts[2]) < 16 {
		return "", ErrMalformedKey
	}
	return parts[2], nil
}

// LooksLikeAPIKey reports whether token carries the API key prefix.
func LooksLikeAPIKey(token string) bool {
	return strings.HasPrefix(token, KeyPrefix+"_")
}

// SafePrefix returns the leading characters of a token, safe to log. It
// never reveals more than half of the token, so short or malformed
// credentials are not written out whole.
func SafePrefix(token string) string {
	return token[:min(len(token)/2, displayPrefix)]
}
