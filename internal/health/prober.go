// ABOUTME: HTTP prober sending JSON-RPC ping requests to MCP servers
// ABOUTME: Any 2xx JSON-RPC or SSE answer counts as reachable

package health

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/mcp"
	"github.com/2389/mcp-gateway/internal/store"
)

// Prober checks one server. A nil error means the server is reachable.
type Prober interface {
	Probe(ctx context.Context, srv *store.MCPServer) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, srv *store.MCPServer) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, srv *store.MCPServer) error { return f(ctx, srv) }

// maxProbeBody bounds how much of a probe response is read.
const maxProbeBody = 64 << 10

// HTTPProber pings servers over HTTP with their configured credentials.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober. A nil client uses a dedicated default client.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPProber{client: client}
}

// Probe sends a ping and requires a 2xx answer. A JSON-RPC error in the
// answer still proves the server is up and speaking the protocol.
func (p *HTTPProber) Probe(ctx context.Context, srv *store.MCPServer) error {
	body, err := mcp.NewPing("probe-" + uuid.NewString())
	if err != nil {
		return err
	}
	req, err := mcp.NewRequest(ctx, srv, body, "")
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ping returned status %d", resp.StatusCode)
	}
	return nil
}
