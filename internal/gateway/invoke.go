// ABOUTME: POST /mcp tool invocation handler
// ABOUTME: Runs rate limiting, scope authorization and target resolution before forwarding

package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/mcp"
	"github.com/2389/mcp-gateway/internal/proxy"
	"github.com/2389/mcp-gateway/internal/registry"
	"github.com/2389/mcp-gateway/internal/store"
)

// InvokeRequest is the JSON request body for POST /mcp.
type InvokeRequest struct {
	MCPID     string          `json:"mcp_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Timeout is in seconds; fractions are allowed.
	Timeout *float64 `json:"timeout,omitempty"`
}

// InvokeResponse is the data of a successful buffered tool call.
type InvokeResponse struct {
	Result json.RawMessage `json:"result"`
}

func (req *InvokeRequest) validate() (time.Duration, error) {
	req.MCPID = strings.TrimSpace(req.MCPID)
	req.Tool = strings.TrimSpace(req.Tool)
	if req.MCPID == "" {
		return 0, apierror.Validation("mcp_id is required").WithDetails(map[string]any{"field": "mcp_id"})
	}
	if req.Tool == "" {
		return 0, apierror.Validation("tool is required").WithDetails(map[string]any{"field": "tool"})
	}
	if req.Timeout == nil {
		return 0, nil
	}
	secs := *req.Timeout
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, apierror.Validation("timeout must be a positive number of seconds").
			WithDetails(map[string]any{"field": "timeout"})
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// handleInvoke handles POST /mcp.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if p == nil {
		g.writeError(w, r, apierror.Unauthorized("not authenticated"))
		return
	}

	counted := &countingReader{ReadCloser: r.Body}
	r.Body = counted
	var req InvokeRequest
	if err := decodeJSON(w, r, mcp.MaxRequestBodySize, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	timeout, err := req.validate()
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if !g.admit(w, r, p, req.MCPID) {
		return
	}

	// Scope is checked before lookup so a narrowly scoped credential learns
	// nothing about which other server ids exist.
	if err := registry.Authorize(p.Scope, req.MCPID); err != nil {
		g.recordDenial(r, p, store.AuditAccessDenied, req.MCPID, map[string]any{"tool": req.Tool})
		g.writeError(w, r, err)
		return
	}
	srv, err := g.registry.Resolve(r.Context(), p.OrgID, req.MCPID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	res, err := g.router.Invoke(r.Context(), p, srv, proxy.Request{
		Tool:      req.Tool,
		Arguments: req.Arguments,
		Timeout:   timeout,
		RequestID: requestIDFromContext(r.Context()),
		BytesIn:   counted.n,
	}, w)
	if res != nil && res.Streamed {
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Result: res.Result}, res.Meta)
}

// admit applies the rate limit and quota to a data-plane request. It writes
// the error response and returns false when the request is denied.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, p *auth.Principal, mcpID string) bool {
	decision, err := g.limiter.Check(r.Context(), p)
	if err != nil {
		g.writeError(w, r, err)
		return false
	}
	if err := decision.Err(); err != nil {
		g.recordDenial(r, p, store.AuditRateLimited, mcpID, map[string]any{
			"code":  decision.Kind.Code(),
			"limit": decision.Limit,
		})
		g.writeError(w, r, err)
		return false
	}
	return true
}

// recordDenial audits a call rejected before it reached the router.
func (g *Gateway) recordDenial(r *http.Request, p *auth.Principal, action store.AuditAction, mcpID string, detail map[string]any) {
	detail["request_id"] = requestIDFromContext(r.Context())
	g.audit.Record(store.AuditEntry{
		OrgID:      p.OrgID,
		ActorType:  p.ActorType(),
		ActorID:    p.ActorID(),
		Action:     action,
		Category:   store.CategorySecurity,
		TargetType: "mcp_server",
		TargetID:   mcpID,
		Detail:     detail,
	})
}
