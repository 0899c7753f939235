// ABOUTME: Lists tools across every MCP server a caller may reach
// ABOUTME: Fans out through the pool with a partial deadline per server; slow or failing servers are skipped

package proxy

import (
	"context"
	"errors"
	"io"
	"mime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/health"
	"github.com/2389/mcp-gateway/internal/mcp"
	"github.com/2389/mcp-gateway/internal/store"
)

const (
	// listConcurrency bounds the servers queried at once by one listing.
	listConcurrency = 8
	// maxListPages bounds how many cursors are followed per server.
	maxListPages = 10
)

// ListedTool is a tool together with the server that offers it.
type ListedTool struct {
	MCPID string `json:"mcp_id"`
	mcp.Tool
}

// SkippedServer is a server left out of a listing.
type SkippedServer struct {
	MCPID   string `json:"mcp_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Listing is the merged answer of a tool listing.
type Listing struct {
	Tools   []ListedTool    `json:"tools"`
	Skipped []SkippedServer `json:"skipped"`
}

// PartialTimeout returns the deadline for one server's share of a listing:
// the configured partial timeout, never above the server's own call timeout.
func (r *Router) PartialTimeout(srv *store.MCPServer) time.Duration {
	return min(r.partialTimeout, r.Timeout(srv, 0))
}

// ListTools asks every server for its tools and merges the answers in server
// order. A server that fails or misses its partial deadline is reported in
// Listing.Skipped instead of failing the whole listing. Servers with a
// declared tool list only contribute the tools they declare.
func (r *Router) ListTools(ctx context.Context, servers []*store.MCPServer, requestID string) *Listing {
	type answer struct {
		tools []mcp.Tool
		err   error
	}
	answers := make([]answer, len(servers))

	var g errgroup.Group
	g.SetLimit(listConcurrency)
	for i, srv := range servers {
		g.Go(func() error {
			tools, err := r.listServer(ctx, srv, requestID)
			answers[i] = answer{tools: tools, err: err}
			return nil
		})
	}
	_ = g.Wait()

	listing := &Listing{Tools: []ListedTool{}, Skipped: []SkippedServer{}}
	for i, srv := range servers {
		a := answers[i]
		if a.err != nil {
			ae := apierror.From(a.err)
			r.metrics.IncListedServer("skipped")
			r.logger.Warn("server skipped from tool listing",
				"request_id", requestID,
				"org_id", srv.OrgID,
				"mcp_id", srv.ID,
				"code", ae.Code(),
				"error", a.err,
			)
			listing.Skipped = append(listing.Skipped, SkippedServer{MCPID: srv.ID, Code: ae.Code(), Message: ae.Message})
			continue
		}
		r.metrics.IncListedServer("listed")
		for _, t := range a.tools {
			if srv.HasTool(t.Name) {
				listing.Tools = append(listing.Tools, ListedTool{MCPID: srv.ID, Tool: t})
			}
		}
	}
	return listing
}

func (r *Router) listServer(ctx context.Context, srv *store.MCPServer, requestID string) ([]mcp.Tool, error) {
	if r.unhealthyPolicy == PolicyStrict && r.healthOf(srv).State == health.StateUnhealthy {
		return nil, apierror.New(apierror.KindMCPUnreachable, "MCP server is unhealthy")
	}

	ctx, cancel := context.WithTimeout(ctx, r.PartialTimeout(srv))
	defer cancel()

	lease, err := r.pool.Checkout(ctx, srv)
	if err != nil {
		if ctx.Err() != nil {
			ae, _ := classify(ctx, err)
			return nil, ae
		}
		return nil, apierror.Internal(err)
	}
	defer lease.Release()

	c := &Call{Server: srv, RequestID: requestID}
	var tools []mcp.Tool
	cursor := ""
	for range maxListPages {
		c.ID = uuid.New().String()
		body, err := mcp.NewToolsList(c.ID, cursor)
		if err != nil {
			return nil, apierror.Internal(err)
		}
		rpc, err := r.exchange(ctx, c, lease, body)
		if err != nil {
			return nil, err
		}
		if rpc.Error != nil {
			return nil, rpcError(rpc.Error)
		}
		page, err := mcp.ParseToolsList(rpc.Result)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindMCPError, "MCP server returned an invalid tool list", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
	r.logger.Warn("tool listing truncated", "request_id", requestID, "mcp_id", srv.ID, "pages", maxListPages)
	return tools, nil
}

// exchange sends one request and reads the matching JSON-RPC response from
// either a JSON body or an event stream. Nothing is relayed to the caller.
func (r *Router) exchange(ctx context.Context, c *Call, lease *Lease, body []byte) (*mcp.Response, error) {
	resp, err := r.send(ctx, c, lease, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case mcp.ContentTypeJSON:
		data, err := io.ReadAll(io.LimitReader(resp.Body, mcp.MaxResponseBodySize+1))
		if err != nil {
			ae, _ := classify(ctx, err)
			return nil, ae
		}
		if len(data) > mcp.MaxResponseBodySize {
			return nil, apierror.New(apierror.KindMCPError, "MCP server response too large")
		}
		rpc, err := mcp.ParseResponse(data)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindMCPError, "MCP server returned an invalid response", err)
		}
		return rpc, nil

	case mcp.ContentTypeSSE:
		reader := mcp.NewEventReader(resp.Body)
		for {
			ev, err := reader.Next()
			if ev != nil {
				if rpc, ok := ev.Response(); ok && rpc.ID == c.ID {
					return rpc, nil
				}
			}
			if errors.Is(err, io.EOF) {
				return nil, apierror.New(apierror.KindMCPError, "MCP server closed the stream without a response")
			}
			if err != nil {
				ae, _ := classify(ctx, err)
				return nil, ae
			}
		}

	default:
		return nil, apierror.New(apierror.KindMCPError, "MCP server returned an unsupported content type").
			WithDetails(map[string]any{"content_type": mediaType})
	}
}
