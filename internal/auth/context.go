// ABOUTME: Authenticated principal carried through request handlers
// ABOUTME: Provides WithPrincipal/FromContext for propagating identity via context

package auth

import (
	"context"

	"github.com/2389/mcp-gateway/internal/store"
)

// Method identifies how a principal authenticated.
type Method string

const (
	MethodAPIKey         Method = "api_key"
	MethodServiceAccount Method = "service_account"
)

// Scope is the set of MCP servers a principal may target.
type Scope struct {
	Mode   store.ScopeMode
	MCPIDs []string // only for store.ScopeSelected
}

// Principal is the authenticated identity of a request.
type Principal struct {
	OrgID            string
	Plan             string
	KeyID            string // set for API keys
	ServiceAccountID string // set for service-account JWTs
	Method           Method
	Role             store.Role
	Scope            Scope
	RateLimitRPS     int64
}

// ActorID returns the key id or service account id.
func (p *Principal) ActorID() string {
	if p.KeyID != "" {
		return p.KeyID
	}
	return p.ServiceAccountID
}

// ActorType returns the audit actor type of the principal.
func (p *Principal) ActorType() string {
	if p.Method == MethodServiceAccount {
		return store.ActorServiceAccount
	}
	return store.ActorAPIKey
}

// IsAdmin returns true if the principal has admin or owner role.
func (p *Principal) IsAdmin() bool {
	return p.Role == store.RoleAdmin || p.Role == store.RoleOwner
}

// principalKey is the key type for storing Principal in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context with the Principal attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// MustFromContext retrieves the Principal from the context.
// Panics if no principal is present; only call behind Middleware.
func MustFromContext(ctx context.Context) *Principal {
	p := FromContext(ctx)
	if p == nil {
		panic("auth: no principal in context")
	}
	return p
}
