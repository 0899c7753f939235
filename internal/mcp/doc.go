// Package mcp is the gateway's client-side view of the Model Context Protocol.
//
// The gateway does not interpret MCP beyond what routing needs. It builds
// JSON-RPC 2.0 requests for tools/call and ping, peeks at responses to tell
// results from errors, and splits text/event-stream bodies into events so
// they can be relayed one at a time.
//
// # Requests
//
// A tool call is sent as:
//
//	{
//	  "jsonrpc": "2.0",
//	  "id": "<request id>",
//	  "method": "tools/call",
//	  "params": {"name": "get_weather", "arguments": {"city": "Oslo"}}
//	}
//
// Arguments pass through byte for byte. They are never logged.
//
// # Responses
//
// ParseResponse accepts a single JSON-RPC response object and returns either
// its result or its error. The downstream server may also answer with an SSE
// stream; EventReader reads one event per call, tolerating CR, LF and CRLF
// line endings, and Event.Response peeks at the JSON-RPC message in its data.
package mcp
