// ABOUTME: Response handlers keyed by downstream media type
// ABOUTME: JSON responses are parsed whole; event streams are relayed event by event

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/mcp"
	"github.com/2389/mcp-gateway/internal/store"
)

// Call is the state of one forwarded call handed to a ResponseHandler.
type Call struct {
	ID        string // JSON-RPC id sent downstream
	Server    *store.MCPServer
	Tool      string
	RequestID string
	Meta      Meta
	// Writer is the caller's response. Only streaming handlers write to it;
	// a handler that writes must set Result.Streamed.
	Writer http.ResponseWriter
}

// Meta is advisory data returned next to a result.
type Meta struct {
	Health    string `json:"health,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Result is the outcome of a forwarded call.
type Result struct {
	// Result is the JSON-RPC result, if one was received.
	Result json.RawMessage
	Meta   Meta
	// Streamed is true once bytes have been written to the caller. The
	// caller must not write an envelope for a streamed result, even on error.
	Streamed bool
	BytesOut int64
}

// ResponseHandler turns a successful downstream response into a Result.
// Errors that are not *apierror.Error are classified as transport failures.
type ResponseHandler func(ctx context.Context, c *Call, resp *http.Response) (*Result, error)

func defaultHandlers() map[string]ResponseHandler {
	return map[string]ResponseHandler{
		mcp.ContentTypeJSON: handleJSON,
		mcp.ContentTypeSSE:  handleSSE,
	}
}

func handleJSON(_ context.Context, c *Call, resp *http.Response) (*Result, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, mcp.MaxResponseBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(body) > mcp.MaxResponseBodySize {
		return nil, apierror.New(apierror.KindMCPError, "MCP server response too large").
			WithDetails(map[string]any{"limit_bytes": mcp.MaxResponseBodySize})
	}

	rpc, err := mcp.ParseResponse(body)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindMCPError, "MCP server returned an invalid response", err)
	}
	res := &Result{Meta: c.Meta, BytesOut: int64(len(body))}
	if rpc.Error != nil {
		return res, rpcError(rpc.Error)
	}
	res.Result = rpc.Result
	return res, nil
}

func handleSSE(_ context.Context, c *Call, resp *http.Response) (*Result, error) {
	res := &Result{Meta: c.Meta}
	flusher, _ := c.Writer.(http.Flusher)
	reader := mcp.NewEventReader(resp.Body)

	for {
		ev, err := reader.Next()
		if ev != nil {
			if !res.Streamed {
				writeStreamHeaders(c.Writer)
				res.Streamed = true
			}
			n, werr := ev.WriteTo(c.Writer)
			res.BytesOut += n
			if werr != nil {
				return res, apierror.Wrap(apierror.KindInternal, "request cancelled", errors.Join(errCallerGone, werr))
			}
			if flusher != nil {
				flusher.Flush()
			}

			if rpc, ok := ev.Response(); ok && rpc.ID == c.ID {
				if rpc.Error != nil {
					return res, rpcError(rpc.Error)
				}
				res.Result = rpc.Result
				return res, nil
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("reading event stream: %w", err)
		}
	}

	return res, apierror.New(apierror.KindMCPError, "MCP server closed the stream without a response")
}

func writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", mcp.ContentTypeSSE)
	h.Set("Cache-Control", "no-store")
	h.Set("X-Accel-Buffering", "no")
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)
}

// writeStreamError ends a relayed stream with an error event.
func writeStreamError(w http.ResponseWriter, ae *apierror.Error) {
	payload, err := json.Marshal(map[string]any{
		"success": false,
		"error":   map[string]any{"code": ae.Code(), "message": ae.Message},
	})
	if err != nil {
		return
	}
	ev := &mcp.Event{Raw: append([]byte("event: error\ndata: "), payload...)}
	if _, err := ev.WriteTo(w); err != nil {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// rpcError converts a downstream JSON-RPC error into mcp_error.
func rpcError(e *mcp.JSONRPCError) *apierror.Error {
	details := map[string]any{
		"downstream_code":    e.Code,
		"downstream_message": e.Message,
	}
	if len(e.Data) > 0 {
		details["downstream_data"] = e.Data
	}
	return apierror.New(apierror.KindMCPError, "MCP server returned an error").WithDetails(details)
}

// statusError converts a non-2xx downstream response into mcp_error.
func statusError(resp *http.Response) *apierror.Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	snippet = bytes.TrimSpace(snippet)

	details := map[string]any{"downstream_status": resp.StatusCode}
	if rpc, err := mcp.ParseResponse(snippet); err == nil && rpc.Error != nil {
		details["downstream_code"] = rpc.Error.Code
		details["downstream_message"] = rpc.Error.Message
	} else if len(snippet) > 0 {
		details["downstream_body"] = string(snippet)
	}
	return apierror.New(apierror.KindMCPError,
		fmt.Sprintf("MCP server responded with HTTP %d", resp.StatusCode)).WithDetails(details)
}
