// ABOUTME: API key issuance, listing and revocation for an organization
// ABOUTME: The plaintext token is returned exactly once at creation

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/store"
)

// KeyInput describes an API key to issue.
type KeyInput struct {
	Name         string
	Role         store.Role
	ScopeMode    store.ScopeMode // defaults to selected when MCPIDs is set, otherwise all
	MCPIDs       []string
	RateLimitRPS int64
	ExpiresAt    *time.Time
}

// IssuedKey is a newly created key together with its one-time token.
type IssuedKey struct {
	Key   *store.APIKey
	Token string
}

// CreateKey issues a key for the principal's organization.
func (r *Registry) CreateKey(ctx context.Context, p *auth.Principal, in KeyInput) (*IssuedKey, error) {
	key, err := r.buildKey(p, in)
	if err != nil {
		return nil, err
	}

	issued, err := r.hasher.Generate()
	if err != nil {
		return nil, apierror.Internal(err)
	}
	key.Prefix = issued.Prefix
	key.Hash = issued.Hash

	err = r.store.CreateAPIKey(ctx, key)
	if errors.Is(err, store.ErrInvalidScope) {
		return nil, fieldError("mcp_ids", "mcp_ids must reference mcp servers of this organization")
	}
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("creating api key: %w", err))
	}

	r.record(p, store.AuditCreateAPIKey, "api_key", key.ID, map[string]any{
		"name":   key.Name,
		"role":   string(key.Role),
		"scope":  string(key.ScopeMode),
		"prefix": key.Prefix,
	})
	r.logger.Info("issued api key", "org_id", key.OrgID, "key_id", key.ID, "scope", key.ScopeMode)
	return &IssuedKey{Key: key, Token: issued.Token}, nil
}

func (r *Registry) buildKey(p *auth.Principal, in KeyInput) (*store.APIKey, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fieldError("name", "name is required")
	}
	if len(name) > maxNameLength {
		return nil, fieldError("name", "name must be at most %d characters", maxNameLength)
	}

	role := in.Role
	if role == "" {
		role = store.RoleMember
	}
	if !role.Valid() {
		return nil, fieldError("role", "role must be owner, admin or member")
	}
	if role == store.RoleOwner && p.Role != store.RoleOwner {
		return nil, apierror.Forbidden("only owners can issue owner keys")
	}

	mode := in.ScopeMode
	if mode == "" {
		mode = store.ScopeAll
		if len(in.MCPIDs) > 0 {
			mode = store.ScopeSelected
		}
	}
	if !mode.Valid() {
		return nil, fieldError("scope", "scope must be all, selected or none")
	}
	var mcpIDs []string
	if mode == store.ScopeSelected {
		if len(in.MCPIDs) == 0 {
			return nil, fieldError("mcp_ids", "selected scope requires at least one mcp id")
		}
		mcpIDs = in.MCPIDs
	} else if len(in.MCPIDs) > 0 {
		return nil, fieldError("mcp_ids", "mcp_ids are only allowed with selected scope")
	}

	if in.RateLimitRPS < 0 {
		return nil, fieldError("rate_limit_rps", "rate_limit_rps must not be negative")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return nil, fieldError("expires_at", "expires_at must be in the future")
	}

	return &store.APIKey{
		OrgID:        p.OrgID,
		Name:         name,
		Role:         role,
		ScopeMode:    mode,
		MCPIDs:       mcpIDs,
		RateLimitRPS: in.RateLimitRPS,
		ExpiresAt:    in.ExpiresAt,
		CreatedBy:    p.ActorID(),
	}, nil
}

// GetKey returns a key of the organization. The hash is never exposed by callers.
func (r *Registry) GetKey(ctx context.Context, orgID, keyID string) (*store.APIKey, error) {
	key, err := r.store.GetAPIKey(ctx, orgID, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("api key not found")
	}
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("loading api key: %w", err))
	}
	return key, nil
}

// ListKeys returns the organization's keys, revoked ones included.
func (r *Registry) ListKeys(ctx context.Context, orgID string) ([]*store.APIKey, error) {
	keys, err := r.store.ListAPIKeys(ctx, orgID)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("listing api keys: %w", err))
	}
	return keys, nil
}

// RevokeKey revokes a key. Revocation is terminal; revoking twice is a validation error.
func (r *Registry) RevokeKey(ctx context.Context, p *auth.Principal, keyID string) error {
	err := r.store.RevokeAPIKey(ctx, p.OrgID, keyID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierror.NotFound("api key not found")
	case errors.Is(err, store.ErrAlreadyRevoked):
		return apierror.Validation("api key is already revoked")
	case err != nil:
		return apierror.Internal(fmt.Errorf("revoking api key: %w", err))
	}

	r.record(p, store.AuditRevokeAPIKey, "api_key", keyID, nil)
	r.logger.Info("revoked api key", "org_id", p.OrgID, "key_id", keyID)
	return nil
}
