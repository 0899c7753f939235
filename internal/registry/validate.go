// ABOUTME: Input validation and normalization for registry entities
// ABOUTME: Rejects bad endpoints, auth configs, tool lists and identifiers

package registry

import (
	"fmt"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/store"
)

// DefaultAuthHeader carries the downstream key for header auth when none is configured.
const DefaultAuthHeader = "X-API-Key"

const maxNameLength = 128

var (
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	headerPattern = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9A-Za-z-]+$")
)

// reservedHeaders cannot carry downstream credentials; the proxy owns them.
var reservedHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Content-Type":      true,
	"Accept":            true,
	"Connection":        true,
	"Transfer-Encoding": true,
	"X-Request-Id":      true,
}

func fieldError(field, format string, args ...any) error {
	return apierror.Validation(fmt.Sprintf(format, args...)).
		WithDetails(map[string]any{"field": field})
}

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return fieldError("id", "id must be 1-64 characters of letters, digits, '_', '.' or '-'")
	}
	return nil
}

// normalizeServer fills defaults and validates every field of srv.
func (r *Registry) normalizeServer(srv *store.MCPServer) error {
	srv.Name = strings.TrimSpace(srv.Name)
	if srv.Name == "" {
		return fieldError("name", "name is required")
	}
	if len(srv.Name) > maxNameLength {
		return fieldError("name", "name must be at most %d characters", maxNameLength)
	}

	if err := validateEndpoint(srv.Endpoint); err != nil {
		return err
	}

	if srv.Transport == "" {
		srv.Transport = store.TransportHTTP
	}
	if srv.Transport != store.TransportHTTP && srv.Transport != store.TransportSSE {
		return fieldError("transport", "transport must be %q or %q", store.TransportHTTP, store.TransportSSE)
	}

	if err := normalizeAuth(&srv.Auth); err != nil {
		return err
	}

	tools, err := normalizeTools(srv.Tools)
	if err != nil {
		return err
	}
	srv.Tools = tools

	if srv.Status == "" {
		srv.Status = store.ServerActive
	}
	if srv.Status != store.ServerActive && srv.Status != store.ServerInactive {
		return fieldError("status", "status must be %q or %q", store.ServerActive, store.ServerInactive)
	}

	if srv.Timeout < 0 {
		return fieldError("timeout_ms", "timeout must not be negative")
	}
	if r.maxTimeout > 0 && srv.Timeout > r.maxTimeout {
		return fieldError("timeout_ms", "timeout must be at most %dms", r.maxTimeout.Milliseconds())
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fieldError("endpoint", "endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fieldError("endpoint", "endpoint is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fieldError("endpoint", "endpoint must use http or https")
	}
	if u.Host == "" {
		return fieldError("endpoint", "endpoint must include a host")
	}
	if u.User != nil {
		return fieldError("endpoint", "credentials belong in auth, not in the endpoint URL")
	}
	if u.Fragment != "" {
		return fieldError("endpoint", "endpoint must not include a fragment")
	}
	return nil
}

// normalizeAuth validates a downstream credential config and clears fields
// that do not belong to its type.
func normalizeAuth(a *store.ServerAuth) error {
	if a.Type == "" {
		a.Type = store.AuthNone
	}
	switch a.Type {
	case store.AuthNone:
		*a = store.ServerAuth{Type: store.AuthNone}
	case store.AuthBearer:
		if a.Token == "" {
			return fieldError("auth.token", "bearer auth requires a token")
		}
		*a = store.ServerAuth{Type: store.AuthBearer, Token: a.Token}
	case store.AuthHeader:
		if a.Key == "" {
			return fieldError("auth.key", "header auth requires a key")
		}
		header := a.Header
		if header == "" {
			header = DefaultAuthHeader
		}
		if !headerPattern.MatchString(header) {
			return fieldError("auth.header", "auth header name is not a valid HTTP header")
		}
		header = textproto.CanonicalMIMEHeaderKey(header)
		if reservedHeaders[header] {
			return fieldError("auth.header", "auth header %q is reserved", header)
		}
		*a = store.ServerAuth{Type: store.AuthHeader, Header: header, Key: a.Key}
	case store.AuthBasic:
		if a.Username == "" {
			return fieldError("auth.username", "basic auth requires a username")
		}
		if strings.Contains(a.Username, ":") {
			return fieldError("auth.username", "basic auth username must not contain ':'")
		}
		*a = store.ServerAuth{Type: store.AuthBasic, Username: a.Username, Password: a.Password}
	default:
		return fieldError("auth.type", "auth type must be none, bearer, header or basic")
	}
	return nil
}

func normalizeTools(tools []string) ([]string, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(tools))
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, fieldError("tools", "tool names must not be empty")
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}
