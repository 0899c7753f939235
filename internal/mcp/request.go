// ABOUTME: Builds outbound HTTP requests to registered MCP servers
// ABOUTME: Sets content negotiation, protocol version and downstream credentials

package mcp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/2389/mcp-gateway/internal/store"
)

// Media types used in content negotiation.
const (
	ContentTypeJSON = "application/json"
	ContentTypeSSE  = "text/event-stream"
)

// RequestIDHeader correlates gateway and downstream logs.
const RequestIDHeader = "X-Request-ID"

// NewRequest builds a POST of body to srv's endpoint. Servers with the sse
// transport are asked to stream; others may answer either way.
func NewRequest(ctx context.Context, srv *store.MCPServer, body []byte, requestID string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	if srv.Transport == store.TransportSSE {
		req.Header.Set("Accept", ContentTypeSSE)
	} else {
		req.Header.Set("Accept", ContentTypeJSON+", "+ContentTypeSSE)
	}
	req.Header.Set(ProtocolVersionHeader, ProtocolVersion)
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
	ApplyAuth(req, srv.Auth)
	return req, nil
}

// ApplyAuth attaches the downstream credential described by a to req.
func ApplyAuth(req *http.Request, a store.ServerAuth) {
	switch a.Type {
	case store.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case store.AuthHeader:
		header := a.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, a.Key)
	case store.AuthBasic:
		req.SetBasicAuth(a.Username, a.Password)
	}
}
