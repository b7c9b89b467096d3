// Package mcp is the protocol layer between the retry controller and the
// executor: the tool catalog, a JSON-RPC 2.0 MCP server that dispatches
// tools/call to a tactile.Executor, and the client transports a bridge uses
// to reach that server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the MCP revision spoken by both ends.
const ProtocolVersion = "2024-11-05"

// Protocol names a client transport.
type Protocol string

const (
	ProtocolStdio     Protocol = "stdio"
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
)

// CancelledParams is the payload of notifications/cancelled. A client sends
// it when it stops waiting for a request.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

var (
	// ErrCatalogIncomplete is returned when a server does not advertise every
	// operation the bridge depends on. It is a fatal setup error.
	ErrCatalogIncomplete = errors.New("mcp: tool catalog incomplete")

	// ErrNotConnected is returned by transports used before Connect.
	ErrNotConnected = errors.New("not connected to MCP server")

	// ErrConnectionClosed is returned to callers waiting on a response when
	// the underlying connection goes away.
	ErrConnectionClosed = errors.New("mcp: connection closed")
)

// MCPToolSchema is a tool descriptor as it appears in tools/list.
type MCPToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPCapabilities summarises what the server announced in initialize.
type MCPCapabilities struct {
	Tools         bool   `json:"tools"`
	ServerName    string `json:"server_name,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}

// ContentItem is one entry of a tools/call result's content list.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the tools/call result envelope.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// MCPCallResult represents the result of calling an MCP tool through a
// transport. Success is false only when the call never produced a result
// envelope (transport or JSON-RPC failure).
type MCPCallResult struct {
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
}

// Content decodes Output as a CallToolResult.
func (r *MCPCallResult) Content() ([]ContentItem, error) {
	if len(r.Output) == 0 {
		return nil, nil
	}
	var env CallToolResult
	if err := json.Unmarshal(r.Output, &env); err != nil {
		return nil, err
	}
	return env.Content, nil
}

// MCPTransport defines the interface for MCP protocol transports.
type MCPTransport interface {
	// Connect establishes connection to the MCP server.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// ListTools retrieves available tools from the server.
	ListTools(ctx context.Context) ([]MCPToolSchema, error)

	// CallTool invokes a tool on the MCP server.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*MCPCallResult, error)

	// GetCapabilities performs the initialize handshake once and returns
	// the cached answer afterwards.
	GetCapabilities(ctx context.Context) (*MCPCapabilities, error)

	// Ping checks if the server is responsive.
	Ping(ctx context.Context) error

	// IsConnected returns current connection status.
	IsConnected() bool
}

// JSON-RPC 2.0 error codes used by the server.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// mcpRequest is an outgoing JSON-RPC request or notification (ID == 0).
type mcpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// mcpResponse is an incoming JSON-RPC response as seen by a client.
type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

// mcpError represents an error in an MCP response.
type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *mcpError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// initializeParams are sent by every client transport.
func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "codebridge",
			"version": Version,
		},
	}
}

// parseCapabilities reads an initialize result.
func parseCapabilities(raw json.RawMessage) (*MCPCapabilities, error) {
	var result struct {
		Capabilities struct {
			Tools json.RawMessage `json:"tools"`
		} `json:"capabilities"`
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &MCPCapabilities{
		Tools:         len(result.Capabilities.Tools) > 0 && string(result.Capabilities.Tools) != "null",
		ServerName:    result.ServerInfo.Name,
		ServerVersion: result.ServerInfo.Version,
	}, nil
}

// parseToolList reads a tools/list result.
func parseToolList(raw json.RawMessage) ([]MCPToolSchema, error) {
	var result struct {
		Tools []MCPToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}
