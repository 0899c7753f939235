// ABOUTME: Organization-scoped registry of MCP servers and API keys
// ABOUTME: Validates input, audits mutations and notifies change observers

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/store"
)

// Pagination bounds for ListServers.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store is the slice of the gateway store the registry uses.
type Store interface {
	store.APIKeyStore
	store.MCPServerStore
}

// Observer is notified after servers are saved or removed.
type Observer interface {
	ServerSaved(srv *store.MCPServer)
	ServerRemoved(srv *store.MCPServer)
}

// Config configures a Registry.
type Config struct {
	Store      Store
	Hasher     *auth.KeyHasher
	Audit      auth.AuditRecorder
	MaxTimeout time.Duration // upper bound for per-server timeouts, 0 = none
	Logger     *slog.Logger
}

// Registry manages MCP servers and API keys for organizations.
type Registry struct {
	store      Store
	hasher     *auth.KeyHasher
	audit      auth.AuditRecorder
	maxTimeout time.Duration
	observers  []Observer
	logger     *slog.Logger
}

// New creates a Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      cfg.Store,
		hasher:     cfg.Hasher,
		audit:      cfg.Audit,
		maxTimeout: cfg.MaxTimeout,
		logger:     logger.With("component", "registry"),
	}
}

// Observe registers an observer. Not safe to call concurrently with mutations.
func (r *Registry) Observe(o Observer) {
	r.observers = append(r.observers, o)
}

// Resolve returns an active server of the organization.
func (r *Registry) Resolve(ctx context.Context, orgID, mcpID string) (*store.MCPServer, error) {
	srv, err := r.GetServer(ctx, orgID, mcpID)
	if err != nil {
		return nil, err
	}
	if srv.Status != store.ServerActive {
		return nil, apierror.NotFound("mcp server not found")
	}
	return srv, nil
}

// Authorize checks that scope grants access to mcpID. Wildcard scopes cover
// every server of the organization, including ones registered later.
func Authorize(scope auth.Scope, mcpID string) error {
	switch scope.Mode {
	case store.ScopeAll:
		return nil
	case store.ScopeSelected:
		if slices.Contains(scope.MCPIDs, mcpID) {
			return nil
		}
		return apierror.Forbidden("credential is not scoped to this mcp server").
			WithDetails(map[string]any{"mcp_id": mcpID})
	default:
		return apierror.Forbidden("credential has no mcp access")
	}
}

// Reachable returns the organization's active servers that scope grants,
// ordered by id. A scope with no mcp access is forbidden outright.
func (r *Registry) Reachable(ctx context.Context, orgID string, scope auth.Scope) ([]*store.MCPServer, error) {
	if scope.Mode != store.ScopeAll && scope.Mode != store.ScopeSelected {
		return nil, Authorize(scope, "")
	}

	var out []*store.MCPServer
	for offset := 0; ; offset += MaxPageSize {
		page, total, err := r.store.ListMCPServers(ctx, orgID, MaxPageSize, offset)
		if err != nil {
			return nil, apierror.Internal(fmt.Errorf("listing mcp servers: %w", err))
		}
		for _, srv := range page {
			if srv.Status == store.ServerActive && Authorize(scope, srv.ID) == nil {
				out = append(out, srv)
			}
		}
		if len(page) == 0 || offset+len(page) >= total {
			return out, nil
		}
	}
}

// GetServer returns a server of the organization in any status.
func (r *Registry) GetServer(ctx context.Context, orgID, mcpID string) (*store.MCPServer, error) {
	srv, err := r.store.GetMCPServer(ctx, orgID, mcpID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("mcp server not found")
	}
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("loading mcp server: %w", err))
	}
	return srv, nil
}

// ServerPage is one page of servers.
type ServerPage struct {
	Servers []*store.MCPServer
	Total   int
	Limit   int
	Offset  int
}

// ListServers pages through the organization's servers ordered by id.
func (r *Registry) ListServers(ctx context.Context, orgID string, limit, offset int) (*ServerPage, error) {
	if limit < 0 || offset < 0 {
		return nil, apierror.Validation("limit and offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	servers, total, err := r.store.ListMCPServers(ctx, orgID, limit, offset)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("listing mcp servers: %w", err))
	}
	return &ServerPage{Servers: servers, Total: total, Limit: limit, Offset: offset}, nil
}

// ServerInput describes a server to register.
type ServerInput struct {
	ID        string // optional; generated when empty
	Name      string
	Endpoint  string
	Transport string
	Auth      store.ServerAuth
	Tools     []string
	Status    store.ServerStatus
	Timeout   time.Duration
}

// CreateServer registers a server for the principal's organization.
func (r *Registry) CreateServer(ctx context.Context, p *auth.Principal, in ServerInput) (*store.MCPServer, error) {
	srv := &store.MCPServer{
		ID:        in.ID,
		OrgID:     p.OrgID,
		Name:      in.Name,
		Endpoint:  in.Endpoint,
		Transport: in.Transport,
		Auth:      in.Auth,
		Tools:     in.Tools,
		Status:    in.Status,
		Timeout:   in.Timeout,
	}
	if in.ID != "" {
		if err := validateID(in.ID); err != nil {
			return nil, err
		}
	}
	if err := r.normalizeServer(srv); err != nil {
		return nil, err
	}

	err := r.store.CreateMCPServer(ctx, srv)
	if errors.Is(err, store.ErrConflict) {
		return nil, apierror.Validation("an mcp server with this id already exists").
			WithDetails(map[string]any{"field": "id"})
	}
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("creating mcp server: %w", err))
	}

	r.record(p, store.AuditCreateServer, "mcp_server", srv.ID, map[string]any{"name": srv.Name})
	r.logger.Info("registered mcp server", "org_id", srv.OrgID, "mcp_id", srv.ID)
	for _, o := range r.observers {
		o.ServerSaved(srv)
	}
	return srv, nil
}

// ServerPatch holds the fields to change. Nil fields are left as they are.
type ServerPatch struct {
	Name      *string
	Endpoint  *string
	Transport *string
	Auth      *store.ServerAuth
	Tools     *[]string
	Status    *store.ServerStatus
	Timeout   *time.Duration
}

// UpdateServer applies patch to a server of the principal's organization.
func (r *Registry) UpdateServer(ctx context.Context, p *auth.Principal, mcpID string, patch ServerPatch) (*store.MCPServer, error) {
	old, err := r.GetServer(ctx, p.OrgID, mcpID)
	if err != nil {
		return nil, err
	}

	srv := *old
	srv.Tools = slices.Clone(old.Tools)
	var changed []string
	if patch.Name != nil {
		srv.Name = *patch.Name
		changed = append(changed, "name")
	}
	if patch.Endpoint != nil {
		srv.Endpoint = *patch.Endpoint
		changed = append(changed, "endpoint")
	}
	if patch.Transport != nil {
		srv.Transport = *patch.Transport
		changed = append(changed, "transport")
	}
	if patch.Auth != nil {
		srv.Auth = *patch.Auth
		changed = append(changed, "auth")
	}
	if patch.Tools != nil {
		srv.Tools = *patch.Tools
		changed = append(changed, "tools")
	}
	if patch.Status != nil {
		srv.Status = *patch.Status
		changed = append(changed, "status")
	}
	if patch.Timeout != nil {
		srv.Timeout = *patch.Timeout
		changed = append(changed, "timeout")
	}
	if len(changed) == 0 {
		return old, nil
	}
	if err := r.normalizeServer(&srv); err != nil {
		return nil, err
	}

	err = r.store.UpdateMCPServer(ctx, &srv)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("mcp server not found")
	}
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("updating mcp server: %w", err))
	}

	r.record(p, store.AuditUpdateServer, "mcp_server", srv.ID, map[string]any{"fields": changed})
	for _, o := range r.observers {
		if old.Endpoint != srv.Endpoint {
			o.ServerRemoved(old)
		}
		o.ServerSaved(&srv)
	}
	return &srv, nil
}

// DeleteServer removes a server. Key scope references to it go with it.
func (r *Registry) DeleteServer(ctx context.Context, p *auth.Principal, mcpID string) error {
	srv, err := r.GetServer(ctx, p.OrgID, mcpID)
	if err != nil {
		return err
	}

	err = r.store.DeleteMCPServer(ctx, p.OrgID, mcpID)
	if errors.Is(err, store.ErrNotFound) {
		return apierror.NotFound("mcp server not found")
	}
	if err != nil {
		return apierror.Internal(fmt.Errorf("deleting mcp server: %w", err))
	}

	r.record(p, store.AuditDeleteServer, "mcp_server", mcpID, map[string]any{"name": srv.Name})
	r.logger.Info("deleted mcp server", "org_id", p.OrgID, "mcp_id", mcpID)
	for _, o := range r.observers {
		o.ServerRemoved(srv)
	}
	return nil
}

func (r *Registry) record(p *auth.Principal, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Record(store.AuditEntry{
		OrgID:      p.OrgID,
		ActorType:  p.ActorType(),
		ActorID:    p.ActorID(),
		Action:     action,
		Category:   store.CategoryAdmin,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
}
