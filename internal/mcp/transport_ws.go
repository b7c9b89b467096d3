package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codebridge/internal/logging"
)

// WebSocketTransport implements MCPTransport over a WebSocket, one JSON-RPC
// message per text frame. Unlike HTTPTransport it keeps a single connection
// and multiplexes concurrent calls on it.
type WebSocketTransport struct {
	stream

	lifeMu sync.Mutex
	url    string
	header http.Header
	dialer *websocket.Dialer
	open   bool
}

// NewWebSocketTransport creates a transport for a ws:// or wss:// URL.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		header: http.Header{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connect dials the server.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.open {
		return nil
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial %s: %w", t.url, err)
	}
	t.attach(NewWebSocketConn(conn))
	t.open = true
	logging.Protocol("MCP WebSocket transport connected to %s", t.url)
	return nil
}

// Disconnect sends a close frame and drops the connection.
func (t *WebSocketTransport) Disconnect() error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if !t.open {
		return nil
	}
	t.open = false
	err := t.detach(time.Second)
	logging.Protocol("MCP WebSocket transport disconnected from %s", t.url)
	return err
}

// Ensure WebSocketTransport implements MCPTransport.
var _ MCPTransport = (*WebSocketTransport)(nil)
