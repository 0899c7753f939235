// ABOUTME: HTTP handlers for usage statistics and the audit log
// ABOUTME: Both are always scoped to the caller's organization

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/store"
)

// AuditEntryResponse is the public view of an audit entry.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	ActorType  string         `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	Category   string         `json:"category"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apierror.Validation(name + " must be an RFC 3339 timestamp").
			WithDetails(map[string]any{"field": name})
	}
	return &t, nil
}

// queryString returns a pointer to a non-empty query parameter.
func queryString(r *http.Request, name string) *string {
	if v := r.URL.Query().Get(name); v != "" {
		return &v
	}
	return nil
}

// handleUsage handles GET /v1/usage.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	since, err := queryTime(r, "since")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	stats, err := g.store.GetUsageStats(r.Context(), store.UsageFilter{
		OrgID:    p.OrgID,
		ServerID: queryString(r, "mcp_id"),
		Since:    since,
		Until:    until,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if stats.ByServer == nil {
		stats.ByServer = []store.ServerUsage{}
	}
	writeJSON(w, http.StatusOK, stats, nil)
}

// handleAudit handles GET /v1/audit.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	p := auth.MustFromContext(r.Context())

	f := store.AuditFilter{OrgID: p.OrgID, ActorID: queryString(r, "actor_id"), TargetID: queryString(r, "target_id")}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		g.writeError(w, r, err)
		return
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		g.writeError(w, r, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		g.writeError(w, r, err)
		return
	}
	if action := queryString(r, "action"); action != nil {
		a := store.AuditAction(*action)
		f.Action = &a
	}
	if category := queryString(r, "category"); category != nil {
		c := store.AuditCategory(*category)
		f.Category = &c
	}

	entries, err := g.store.ListAuditLog(r.Context(), f)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:         e.ID,
			ActorType:  e.ActorType,
			ActorID:    e.ActorID,
			Action:     string(e.Action),
			Category:   string(e.Category),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": resp}, nil)
}
