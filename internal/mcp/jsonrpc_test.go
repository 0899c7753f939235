// ABOUTME: Tests for JSON-RPC request building and response peeking
// ABOUTME: Checks argument passthrough, validation and error extraction

package mcp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToolCall(t *testing.T) {
	body, err := NewToolCall("req-1", "get_weather", json.RawMessage(`{"city":"Oslo","days":[1,2]}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"id": "req-1",
		"method": "tools/call",
		"params": {"name": "get_weather", "arguments": {"city": "Oslo", "days": [1, 2]}}
	}`, string(body))
}

func TestNewToolCall_EmptyArguments(t *testing.T) {
	body, err := NewToolCall("1", "list", nil)
	require.NoError(t, err)

	var decoded struct {
		Params struct {
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.NotNil(t, decoded.Params.Arguments)
	assert.Empty(t, decoded.Params.Arguments)
}

func TestNewToolCall_InvalidArguments(t *testing.T) {
	for _, args := range []string{`[1,2]`, `"text"`, `{broken`, `42`} {
		_, err := NewToolCall("1", "tool", json.RawMessage(args))
		if !errors.Is(err, ErrInvalidArguments) {
			t.Errorf("NewToolCall(%s) error = %v, want ErrInvalidArguments", args, err)
		}
	}
}

func TestNewPing(t *testing.T) {
	body, err := NewPing("probe-7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"probe-7","method":"ping"}`, string(body))
}

func TestParseResponse(t *testing.T) {
	t.Run("result", func(t *testing.T) {
		resp, err := ParseResponse([]byte(`{"jsonrpc":"2.0","id":"1","result":{"content":[{"type":"text","text":"hi"}]}}`))
		require.NoError(t, err)
		assert.Nil(t, resp.Error)
		assert.Equal(t, "1", resp.ID)
		assert.JSONEq(t, `{"content":[{"type":"text","text":"hi"}]}`, string(resp.Result))
	})

	t.Run("error", func(t *testing.T) {
		resp, err := ParseResponse([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"bad city","data":{"field":"city"}}}`))
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
		assert.Equal(t, "bad city", resp.Error.Message)
		assert.JSONEq(t, `{"field":"city"}`, string(resp.Error.Data))
		assert.Nil(t, resp.Result)
	})

	t.Run("null error with result", func(t *testing.T) {
		resp, err := ParseResponse([]byte(`{"jsonrpc":"2.0","id":1,"error":null,"result":true}`))
		require.NoError(t, err)
		assert.Nil(t, resp.Error)
		assert.Equal(t, "true", string(resp.Result))
	})

	for name, body := range map[string]string{
		"not json":     `<html>`,
		"array":        `[{"result":1}]`,
		"empty object": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidResponse)
		})
	}
}

func TestIsResponse(t *testing.T) {
	assert.True(t, IsResponse([]byte(`{"id":1,"result":{}}`)))
	assert.True(t, IsResponse([]byte(`{"id":1,"error":{"code":1}}`)))
	assert.False(t, IsResponse([]byte(`{"method":"notifications/progress","params":{}}`)))
}

func TestNewToolsList(t *testing.T) {
	body, err := NewToolsList("list-1", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"list-1","method":"tools/list"}`, string(body))

	body, err = NewToolsList("list-2", "page-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"list-2","method":"tools/list","params":{"cursor":"page-2"}}`, string(body))
}

func TestParseToolsList(t *testing.T) {
	page, err := ParseToolsList(json.RawMessage(`{
		"tools": [
			{"name": "get_weather", "description": "Current weather", "inputSchema": {"type": "object"}},
			{"description": "nameless"},
			{"name": "get_forecast"}
		],
		"nextCursor": "c2"
	}`))
	require.NoError(t, err)

	require.Len(t, page.Tools, 2)
	assert.Equal(t, "get_weather", page.Tools[0].Name)
	assert.Equal(t, "Current weather", page.Tools[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(page.Tools[0].InputSchema))
	assert.Equal(t, "get_forecast", page.Tools[1].Name)
	assert.Nil(t, page.Tools[1].InputSchema)
	assert.Equal(t, "c2", page.NextCursor)
}

func TestParseToolsList_Invalid(t *testing.T) {
	for _, raw := range []string{`[]`, `{}`, `{"tools":{}}`, `"tools"`} {
		_, err := ParseToolsList(json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrInvalidResponse, raw)
	}
}
