package mcp

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds a single JSON-RPC message. Submitted code travels
// inside one frame, so this is generous.
const maxFrameBytes = 16 * 1024 * 1024

// FrameConn carries whole JSON-RPC messages in both directions. ReadFrame is
// called from a single goroutine; WriteFrame may be called concurrently.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// lineConn frames messages as newline-delimited JSON over a byte stream.
type lineConn struct {
	scanner *bufio.Scanner
	mu      sync.Mutex
	w       io.Writer
	closers []io.Closer
}

// NewLineConn frames r and w as newline-delimited JSON. The closers are
// closed, in order, by Close.
func NewLineConn(r io.Reader, w io.Writer, closers ...io.Closer) FrameConn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &lineConn{scanner: scanner, w: w, closers: closers}
}

func (c *lineConn) ReadFrame() ([]byte, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		return append([]byte(nil), line...), nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *lineConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.w.Write(buf)
	return err
}

func (c *lineConn) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// wsConn frames one message per WebSocket text frame.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(conn *websocket.Conn) FrameConn {
	conn.SetReadLimit(maxFrameBytes)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}
