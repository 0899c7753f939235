// ABOUTME: HTTP middleware for API key and JWT authentication on gateway endpoints
// ABOUTME: Extracts credentials from request headers and adds the principal to context

package auth

import (
	"net/http"
	"strings"

	"github.com/2389/mcp-gateway/internal/apierror"
)

// ErrorWriter renders an error response.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// ExtractCredential reads the credential from the request headers.
// Accepted forms: "Authorization: ApiKey <key>", "Authorization: Bearer <jwt or key>"
// and "X-API-Key: <key>".
func ExtractCredential(r *http.Request) (Credential, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, value, ok := strings.Cut(authHeader, " ")
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			return Credential{}, false
		}
		switch {
		case strings.EqualFold(scheme, "ApiKey"):
			return Credential{Kind: CredentialAPIKey, Value: value}, true
		case strings.EqualFold(scheme, "Bearer"):
			if LooksLikeAPIKey(value) {
				return Credential{Kind: CredentialAPIKey, Value: value}, true
			}
			return Credential{Kind: CredentialJWT, Value: value}, true
		default:
			return Credential{}, false
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return Credential{Kind: CredentialAPIKey, Value: key}, true
	}
	return Credential{}, false
}

// Middleware authenticates every request and adds the Principal to its context.
func Middleware(gate *Gate, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, ok := ExtractCredential(r)
			if !ok {
				writeErr(w, r, apierror.Wrap(apierror.KindUnauthorized, "missing or malformed authorization header", ErrMissingCredential))
				return
			}

			principal, err := gate.Authenticate(r.Context(), cred)
			if err != nil {
				writeErr(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAdmin only lets owner and admin principals through.
// Must be used after Middleware.
func RequireAdmin(writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			if p == nil {
				writeErr(w, r, apierror.Unauthorized("not authenticated"))
				return
			}
			if !p.IsAdmin() {
				writeErr(w, r, apierror.Forbidden("admin or owner role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
