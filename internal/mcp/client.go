package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"codebridge/internal/logging"
)

// caller is the request/response primitive each transport provides.
type caller interface {
	call(ctx context.Context, method string, params interface{}) (*mcpResponse, error)
	notify(method string, params interface{}) error
}

// rpcClient multiplexes JSON-RPC calls over one FrameConn. A single reader
// goroutine routes responses to waiting callers by id.
type rpcClient struct {
	conn FrameConn

	mu      sync.Mutex
	pending map[int64]chan *mcpResponse
	nextID  int64
	closed  bool
	readErr error

	done chan struct{}
}

func newRPCClient(conn FrameConn) *rpcClient {
	c := &rpcClient{
		conn:    conn,
		pending: make(map[int64]chan *mcpResponse),
		nextID:  1,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *rpcClient) readLoop() {
	defer close(c.done)
	log := logging.Get(logging.CategoryProtocol)

	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			c.failPending(err)
			return
		}

		var resp mcpResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			log.Warn("Failed to parse frame from server: %v", err)
			continue
		}
		if len(resp.ID) == 0 || string(resp.ID) == "null" {
			if resp.Error != nil {
				log.Warn("Server error without id: %v", resp.Error)
			} else {
				log.Debug("Received notification: %s", resp.Method)
			}
			continue
		}
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			log.Warn("Received response with foreign id %s", resp.ID)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			log.Warn("Received response for unknown ID: %d", id)
			continue
		}
		ch <- &resp
	}
}

func (c *rpcClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		logging.ProtocolDebug("Connection ended: %v", err)
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *rpcClient) call(ctx context.Context, method string, params interface{}) (*mcpResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *mcpResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(mcpRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.conn.WriteFrame(data); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		if err := c.notify("notifications/cancelled", CancelledParams{
			RequestID: json.RawMessage(strconv.FormatInt(id, 10)),
			Reason:    ctx.Err().Error(),
		}); err != nil {
			logging.ProtocolDebug("Failed to send cancellation for %d: %v", id, err)
		}
		return nil, ctx.Err()
	}
}

func (c *rpcClient) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *rpcClient) notify(method string, params interface{}) error {
	data, err := json.Marshal(mcpRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(data)
}

// close tears the connection down and waits for the reader to exit.
func (c *rpcClient) close(timeout time.Duration) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	select {
	case <-c.done:
	case <-time.After(timeout):
		logging.ProtocolWarn("Timeout waiting for MCP reader to exit")
	}
	return err
}

// stream implements the request side of MCPTransport for transports that
// keep one long-lived framed connection (stdio, pipe, WebSocket).
type stream struct {
	mu     sync.RWMutex
	client *rpcClient
	caps   *MCPCapabilities
	initMu sync.Mutex
}

func (s *stream) attach(conn FrameConn) {
	s.mu.Lock()
	s.client = newRPCClient(conn)
	s.caps = nil
	s.mu.Unlock()
}

func (s *stream) detach(timeout time.Duration) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.caps = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.close(timeout)
}

func (s *stream) current() (*rpcClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// IsConnected returns current connection status.
func (s *stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return false
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return !s.client.closed
}

// GetCapabilities performs the initialize handshake once.
func (s *stream) GetCapabilities(ctx context.Context) (*MCPCapabilities, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.RLock()
	if s.caps != nil {
		caps := *s.caps
		s.mu.RUnlock()
		return &caps, nil
	}
	s.mu.RUnlock()

	c, err := s.current()
	if err != nil {
		return nil, err
	}
	caps, err := handshake(ctx, c)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
	out := *caps
	return &out, nil
}

// ListTools retrieves available tools from the server.
func (s *stream) ListTools(ctx context.Context) ([]MCPToolSchema, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	return listTools(ctx, c)
}

// CallTool invokes a tool on the MCP server.
func (s *stream) CallTool(ctx context.Context, name string, args map[string]interface{}) (*MCPCallResult, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	return callTool(ctx, c, name, args), nil
}

// Ping checks if the server is responsive.
func (s *stream) Ping(ctx context.Context) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "ping", nil)
	return err
}

// handshake sends initialize followed by notifications/initialized.
func handshake(ctx context.Context, c caller) (*MCPCapabilities, error) {
	resp, err := c.call(ctx, "initialize", initializeParams())
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	caps, err := parseCapabilities(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("failed to send initialized notification: %w", err)
	}
	logging.Protocol("Connected to %s %s", caps.ServerName, caps.ServerVersion)
	return caps, nil
}

func listTools(ctx context.Context, c caller) ([]MCPToolSchema, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	tools, err := parseToolList(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}
	logging.ProtocolDebug("MCP server returned %d tools", len(tools))
	return tools, nil
}

// callTool never returns a Go error: failures become Success=false.
func callTool(ctx context.Context, c caller, name string, args map[string]interface{}) *MCPCallResult {
	start := time.Now()
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		return &MCPCallResult{Success: false, Error: err.Error(), LatencyMs: latencyMs}
	}
	return &MCPCallResult{Success: true, Output: resp.Result, LatencyMs: latencyMs}
}

// Connect dials t and performs the initialize handshake.
func Connect(ctx context.Context, t MCPTransport) (*MCPCapabilities, error) {
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	caps, err := t.GetCapabilities(ctx)
	if err != nil {
		_ = t.Disconnect()
		return nil, err
	}
	return caps, nil
}

// TransportConfig selects and parameterises a client transport.
type TransportConfig struct {
	Protocol Protocol
	// Endpoint is a URL for http/websocket and a command line for stdio.
	Endpoint string
	Timeout  time.Duration
}

// NewTransport builds the transport named by cfg.Protocol. In-process pipes
// need a server and are built with NewPipeTransport instead.
func NewTransport(cfg TransportConfig) (MCPTransport, error) {
	switch cfg.Protocol {
	case ProtocolStdio, "":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("stdio transport needs a server command")
		}
		return NewStdioTransport(cfg.Endpoint), nil
	case ProtocolHTTP:
		return NewHTTPTransport(cfg.Endpoint, cfg.Timeout), nil
	case ProtocolWebSocket:
		return NewWebSocketTransport(cfg.Endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
}
