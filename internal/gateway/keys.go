// ABOUTME: HTTP handlers for API key management under /v1/api-keys
// ABOUTME: The plaintext token appears only in the creation response

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/registry"
	"github.com/2389/mcp-gateway/internal/store"
)

// CreateKeyRequest is the JSON request body for POST /v1/api-keys.
type CreateKeyRequest struct {
	Name         string          `json:"name"`
	Role         store.Role      `json:"role,omitempty"`
	Scope        store.ScopeMode `json:"scope,omitempty"`
	MCPIDs       []string        `json:"mcp_ids,omitempty"`
	RateLimitRPS int64           `json:"rate_limit_rps,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// KeyResponse is the public view of an API key.
type KeyResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Prefix       string   `json:"prefix"`
	Role         string   `json:"role"`
	Scope        string   `json:"scope"`
	MCPIDs       []string `json:"mcp_ids,omitempty"`
	RateLimitRPS int64    `json:"rate_limit_rps,omitempty"`
	Revoked      bool     `json:"revoked"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	RevokedAt    string   `json:"revoked_at,omitempty"`
	LastUsedAt   string   `json:"last_used_at,omitempty"`
	CreatedBy    string   `json:"created_by,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// CreateKeyResponse adds the one-time token to the key.
type CreateKeyResponse struct {
	KeyResponse
	Token string `json:"token"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toKeyResponse(k *store.APIKey) KeyResponse {
	return KeyResponse{
		ID:           k.ID,
		Name:         k.Name,
		Prefix:       k.Prefix,
		Role:         string(k.Role),
		Scope:        string(k.ScopeMode),
		MCPIDs:       k.MCPIDs,
		RateLimitRPS: k.RateLimitRPS,
		Revoked:      k.Revoked,
		ExpiresAt:    formatTime(k.ExpiresAt),
		RevokedAt:    formatTime(k.RevokedAt),
		LastUsedAt:   formatTime(k.LastUsedAt),
		CreatedBy:    k.CreatedBy,
		CreatedAt:    k.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleListKeys handles GET /v1/api-keys.
func (g *Gateway) handleListKeys(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	keys, err := g.registry.ListKeys(r.Context(), p.OrgID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp := make([]KeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, toKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": resp}, nil)
}

// handleGetKey handles GET /v1/api-keys/{id}.
func (g *Gateway) handleGetKey(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	key, err := g.registry.GetKey(r.Context(), p.OrgID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toKeyResponse(key), nil)
}

// handleCreateKey handles POST /v1/api-keys.
func (g *Gateway) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	var req CreateKeyRequest
	if err := decodeJSON(w, r, maxAdminBodySize, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	issued, err := g.registry.CreateKey(r.Context(), p, registry.KeyInput{
		Name:         req.Name,
		Role:         req.Role,
		ScopeMode:    req.Scope,
		MCPIDs:       req.MCPIDs,
		RateLimitRPS: req.RateLimitRPS,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, CreateKeyResponse{
		KeyResponse: toKeyResponse(issued.Key),
		Token:       issued.Token,
	}, nil)
}

// handleRevokeKey handles DELETE /v1/api-keys/{id}.
func (g *Gateway) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	id := r.PathValue("id")
	if err := g.registry.RevokeKey(r.Context(), p, id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "revoked": true}, nil)
}
