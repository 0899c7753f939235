// ABOUTME: GET /mcp/tools lists the tools of every server a credential may reach
// ABOUTME: Counts against rate limits like a tool call; unreachable servers are reported as skipped

package gateway

import (
	"net/http"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/mcp"
	"github.com/2389/mcp-gateway/internal/store"
)

// handleListTools handles GET /mcp/tools.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if p == nil {
		g.writeError(w, r, apierror.Unauthorized("not authenticated"))
		return
	}
	if !g.admit(w, r, p, "") {
		return
	}

	servers, err := g.registry.Reachable(r.Context(), p.OrgID, p.Scope)
	if err != nil {
		if apierror.KindOf(err) == apierror.KindForbidden {
			g.recordDenial(r, p, store.AuditAccessDenied, "", map[string]any{"method": mcp.MethodToolsList})
		}
		g.writeError(w, r, err)
		return
	}

	listing := g.router.ListTools(r.Context(), servers, requestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, listing, nil)
}
