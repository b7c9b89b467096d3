package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"codebridge/internal/logging"
)

// HTTPTransport implements MCPTransport with one JSON-RPC request per HTTP
// POST, as served by the /mcp endpoint of the HTTP front end.
type HTTPTransport struct {
	mu sync.RWMutex

	baseURL    string
	timeout    time.Duration
	client     *http.Client
	connected  bool
	serverInfo *MCPCapabilities
	nextID     atomic.Int64
}

// NewHTTPTransport creates a new HTTP transport for MCP communication. The
// client timeout is a backstop; per-call deadlines come from the context.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Connect establishes connection to the MCP server.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	caps, err := handshake(ctx, t)
	if err != nil {
		t.connected = false
		return fmt.Errorf("failed to connect to MCP server at %s: %w", t.baseURL, err)
	}

	t.serverInfo = caps
	t.connected = true
	logging.Protocol("MCP HTTP transport connected to %s", t.baseURL)
	return nil
}

// Disconnect closes the connection.
func (t *HTTPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	t.serverInfo = nil
	t.client.CloseIdleConnections()
	logging.Protocol("MCP HTTP transport disconnected from %s", t.baseURL)
	return nil
}

func (t *HTTPTransport) checkConnected() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

// ListTools retrieves available tools from the server.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]MCPToolSchema, error) {
	if err := t.checkConnected(); err != nil {
		return nil, err
	}
	return listTools(ctx, t)
}

// CallTool invokes a tool on the MCP server.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*MCPCallResult, error) {
	if err := t.checkConnected(); err != nil {
		return nil, err
	}
	return callTool(ctx, t, name, args), nil
}

// GetCapabilities returns the capabilities cached by Connect.
func (t *HTTPTransport) GetCapabilities(ctx context.Context) (*MCPCapabilities, error) {
	t.mu.RLock()
	if t.serverInfo != nil {
		caps := *t.serverInfo
		t.mu.RUnlock()
		return &caps, nil
	}
	t.mu.RUnlock()
	return nil, ErrNotConnected
}

// Ping checks if the server is responsive.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	if err := t.checkConnected(); err != nil {
		return err
	}
	_, err := t.call(ctx, "ping", nil)
	return err
}

// IsConnected returns current connection status.
func (t *HTTPTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// call makes a JSON-RPC call to the MCP server.
func (t *HTTPTransport) call(ctx context.Context, method string, params interface{}) (*mcpResponse, error) {
	req := mcpRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("server sent no response to %s", method)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// notify posts a notification; the server answers 202 with no body.
func (t *HTTPTransport) notify(method string, params interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := t.post(ctx, mcpRequest{JSONRPC: "2.0", Method: method, Params: params})
	return err
}

func (t *HTTPTransport) post(ctx context.Context, req mcpRequest) (*mcpResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", httpResp.StatusCode, string(bodyBytes))
	}
	if httpResp.StatusCode == http.StatusAccepted || httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var resp mcpResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// Ensure HTTPTransport implements MCPTransport.
var _ MCPTransport = (*HTTPTransport)(nil)
