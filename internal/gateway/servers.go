// ABOUTME: HTTP handlers for the MCP server registry under /v1/mcps
// ABOUTME: Downstream credentials are accepted on write and never returned

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/health"
	"github.com/2389/mcp-gateway/internal/registry"
	"github.com/2389/mcp-gateway/internal/store"
)

// maxAdminBodySize bounds registry request bodies.
const maxAdminBodySize = 64 << 10

// ServerAuthRequest is the downstream credential in a server request.
type ServerAuthRequest struct {
	Type     store.AuthType `json:"type"`
	Token    string         `json:"token,omitempty"`
	Header   string         `json:"header,omitempty"`
	Key      string         `json:"key,omitempty"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
}

func (a *ServerAuthRequest) toStore() store.ServerAuth {
	return store.ServerAuth{
		Type:     a.Type,
		Token:    a.Token,
		Header:   a.Header,
		Key:      a.Key,
		Username: a.Username,
		Password: a.Password,
	}
}

// CreateServerRequest is the JSON request body for POST /v1/mcps.
type CreateServerRequest struct {
	ID        string             `json:"id,omitempty"`
	Name      string             `json:"name"`
	Endpoint  string             `json:"endpoint"`
	Transport string             `json:"transport,omitempty"`
	Auth      *ServerAuthRequest `json:"auth,omitempty"`
	Tools     []string           `json:"tools,omitempty"`
	Status    store.ServerStatus `json:"status,omitempty"`
	// Timeout is the per-server deadline in seconds.
	Timeout float64 `json:"timeout,omitempty"`
}

// UpdateServerRequest is the JSON request body for PATCH /v1/mcps/{id}.
type UpdateServerRequest struct {
	Name      *string             `json:"name,omitempty"`
	Endpoint  *string             `json:"endpoint,omitempty"`
	Transport *string             `json:"transport,omitempty"`
	Auth      *ServerAuthRequest  `json:"auth,omitempty"`
	Tools     *[]string           `json:"tools,omitempty"`
	Status    *store.ServerStatus `json:"status,omitempty"`
	Timeout   *float64            `json:"timeout,omitempty"`
}

// ServerResponse is the public view of an MCP server.
type ServerResponse struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Endpoint   string           `json:"endpoint"`
	Transport  string           `json:"transport"`
	AuthType   store.AuthType   `json:"auth_type"`
	AuthHeader string           `json:"auth_header,omitempty"`
	Tools      []string         `json:"tools"`
	Status     string           `json:"status"`
	Timeout    float64          `json:"timeout,omitempty"`
	Health     *health.Snapshot `json:"health,omitempty"`
	CreatedAt  string           `json:"created_at"`
	UpdatedAt  string           `json:"updated_at"`
}

// ListServersResponse is the JSON response for GET /v1/mcps.
type ListServersResponse struct {
	Servers []ServerResponse `json:"servers"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func toServerResponse(srv *store.MCPServer, snap *health.Snapshot) ServerResponse {
	tools := srv.Tools
	if tools == nil {
		tools = []string{}
	}
	resp := ServerResponse{
		ID:        srv.ID,
		Name:      srv.Name,
		Endpoint:  srv.Endpoint,
		Transport: srv.Transport,
		AuthType:  srv.Auth.Type,
		Tools:     tools,
		Status:    string(srv.Status),
		Timeout:   srv.Timeout.Seconds(),
		Health:    snap,
		CreatedAt: srv.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: srv.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if srv.Auth.Type == store.AuthHeader {
		resp.AuthHeader = srv.Auth.Header
	}
	return resp
}

func secondsField(field string, secs float64) (time.Duration, error) {
	if secs < 0 {
		return 0, apierror.Validation(field + " must not be negative").
			WithDetails(map[string]any{"field": field})
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// handleListServers handles GET /v1/mcps.
func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	limit, err := queryInt(r, "limit")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	page, err := g.registry.ListServers(r.Context(), p.OrgID, limit, offset)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp := ListServersResponse{
		Servers: make([]ServerResponse, 0, len(page.Servers)),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
	}
	for _, srv := range page.Servers {
		resp.Servers = append(resp.Servers, toServerResponse(srv, nil))
	}
	writeJSON(w, http.StatusOK, resp, nil)
}

// handleGetServer handles GET /v1/mcps/{id}.
func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	srv, err := g.registry.GetServer(r.Context(), p.OrgID, r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServerResponse(srv, g.healthOf(srv)), nil)
}

// handleCreateServer handles POST /v1/mcps and POST /v1/mcps/{id}.
func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	var req CreateServerRequest
	if err := decodeJSON(w, r, maxAdminBodySize, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if id := r.PathValue("id"); id != "" {
		if req.ID != "" && req.ID != id {
			g.writeError(w, r, apierror.Validation("id in body does not match path").
				WithDetails(map[string]any{"field": "id"}))
			return
		}
		req.ID = id
	}
	timeout, err := secondsField("timeout", req.Timeout)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	in := registry.ServerInput{
		ID:        req.ID,
		Name:      req.Name,
		Endpoint:  req.Endpoint,
		Transport: req.Transport,
		Tools:     req.Tools,
		Status:    req.Status,
		Timeout:   timeout,
	}
	if req.Auth != nil {
		in.Auth = req.Auth.toStore()
	}

	srv, err := g.registry.CreateServer(r.Context(), p, in)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toServerResponse(srv, nil), nil)
}

// handleUpdateServer handles PATCH /v1/mcps/{id}.
func (g *Gateway) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	var req UpdateServerRequest
	if err := decodeJSON(w, r, maxAdminBodySize, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	patch := registry.ServerPatch{
		Name:      req.Name,
		Endpoint:  req.Endpoint,
		Transport: req.Transport,
		Tools:     req.Tools,
		Status:    req.Status,
	}
	if req.Auth != nil {
		a := req.Auth.toStore()
		patch.Auth = &a
	}
	if req.Timeout != nil {
		timeout, err := secondsField("timeout", *req.Timeout)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		patch.Timeout = &timeout
	}

	srv, err := g.registry.UpdateServer(r.Context(), p, r.PathValue("id"), patch)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServerResponse(srv, nil), nil)
}

// handleDeleteServer handles DELETE /v1/mcps/{id}.
func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	id := r.PathValue("id")
	if err := g.registry.DeleteServer(r.Context(), p, id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id}, nil)
}

func (g *Gateway) healthOf(srv *store.MCPServer) *health.Snapshot {
	if g.monitor == nil {
		return &health.Snapshot{State: health.StateUnknown}
	}
	return g.monitor.Status(srv.OrgID, srv.ID)
}
