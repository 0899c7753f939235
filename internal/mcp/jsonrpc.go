// ABOUTME: JSON-RPC 2.0 request builders and response parsing for MCP calls and tool listings
// ABOUTME: Uses sjson to build payloads and gjson to peek at responses without full decoding

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Protocol constants sent to downstream servers.
const (
	ProtocolVersion       = "2025-11-25"
	ProtocolVersionHeader = "MCP-Protocol-Version"
)

// Body size limits.
const (
	// MaxRequestBodySize bounds inbound tool call requests (1MB).
	MaxRequestBodySize = 1 << 20
	// MaxResponseBodySize bounds buffered JSON responses from downstream (10MB).
	MaxResponseBodySize = 10 << 20
)

// Methods the gateway sends.
const (
	MethodToolsCall = "tools/call"
	MethodToolsList = "tools/list"
	MethodPing      = "ping"
)

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// ErrInvalidArguments is returned when tool arguments are not a JSON object.
var ErrInvalidArguments = errors.New("arguments must be a JSON object")

// ErrInvalidResponse is returned when a body is not a JSON-RPC response.
var ErrInvalidResponse = errors.New("invalid JSON-RPC response")

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC response: exactly one of Result and Error is set.
type Response struct {
	ID     string
	Result json.RawMessage
	Error  *JSONRPCError
}

const envelope = `{"jsonrpc":"2.0"}`

// NewToolCall builds a tools/call request. Empty arguments become {}.
func NewToolCall(id, tool string, arguments json.RawMessage) ([]byte, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(arguments) || !gjson.ParseBytes(arguments).IsObject() {
		return nil, ErrInvalidArguments
	}

	body, err := newRequest(id, MethodToolsCall)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "params.name", tool); err != nil {
		return nil, fmt.Errorf("setting tool name: %w", err)
	}
	if body, err = sjson.SetRawBytes(body, "params.arguments", arguments); err != nil {
		return nil, fmt.Errorf("setting arguments: %w", err)
	}
	return body, nil
}

// NewToolsList builds a tools/list request. A non-empty cursor asks for the
// page after it.
func NewToolsList(id, cursor string) ([]byte, error) {
	body, err := newRequest(id, MethodToolsList)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return body, nil
	}
	if body, err = sjson.SetBytes(body, "params.cursor", cursor); err != nil {
		return nil, fmt.Errorf("setting cursor: %w", err)
	}
	return body, nil
}

// Tool is one tool advertised by a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolPage is one page of a tools/list result.
type ToolPage struct {
	Tools      []Tool
	NextCursor string
}

// ParseToolsList reads a tools/list result. Entries without a name are skipped.
func ParseToolsList(result json.RawMessage) (*ToolPage, error) {
	doc := gjson.ParseBytes(result)
	tools := doc.Get("tools")
	if !doc.IsObject() || !tools.IsArray() {
		return nil, fmt.Errorf("%w: tools/list result has no tools array", ErrInvalidResponse)
	}

	page := &ToolPage{NextCursor: doc.Get("nextCursor").String()}
	for _, t := range tools.Array() {
		name := t.Get("name").String()
		if name == "" {
			continue
		}
		tool := Tool{Name: name, Description: t.Get("description").String()}
		if schema := t.Get("inputSchema"); schema.Exists() {
			tool.InputSchema = json.RawMessage(schema.Raw)
		}
		page.Tools = append(page.Tools, tool)
	}
	return page, nil
}

// NewPing builds a ping request, used for health probes.
func NewPing(id string) ([]byte, error) {
	return newRequest(id, MethodPing)
}

func newRequest(id, method string) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(envelope), "id", id)
	if err != nil {
		return nil, fmt.Errorf("setting id: %w", err)
	}
	if body, err = sjson.SetBytes(body, "method", method); err != nil {
		return nil, fmt.Errorf("setting method: %w", err)
	}
	return body, nil
}

// ParseResponse peeks at a JSON-RPC response body.
func ParseResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidResponse)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidResponse)
	}

	resp := &Response{ID: doc.Get("id").String()}
	if e := doc.Get("error"); e.Exists() && e.Type != gjson.Null {
		resp.Error = &JSONRPCError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
		}
		if data := e.Get("data"); data.Exists() {
			resp.Error.Data = json.RawMessage(data.Raw)
		}
		return resp, nil
	}

	result := doc.Get("result")
	if !result.Exists() {
		return nil, fmt.Errorf("%w: neither result nor error", ErrInvalidResponse)
	}
	resp.Result = json.RawMessage(result.Raw)
	return resp, nil
}

// IsResponse reports whether data looks like a JSON-RPC response rather than
// a request or notification streamed by the server.
func IsResponse(data []byte) bool {
	doc := gjson.ParseBytes(data)
	return !doc.Get("method").Exists() && (doc.Get("result").Exists() || doc.Get("error").Exists())
}
