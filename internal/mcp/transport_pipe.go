package mcp

import (
	"context"
	"io"
	"sync"
	"time"

	"codebridge/internal/logging"
)

// PipeTransport connects to an in-process Server over a pair of io.Pipes.
// The framing is identical to stdio, so the bridge exercises the same code
// path as with a child process, without the fork.
type PipeTransport struct {
	stream

	server *Server

	lifeMu sync.Mutex
	cancel context.CancelFunc
	served chan error
}

// NewPipeTransport creates a transport bound to server.
func NewPipeTransport(server *Server) *PipeTransport {
	return &PipeTransport{server: server}
}

// Connect starts serving on fresh pipes.
func (t *PipeTransport) Connect(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.served != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	// The server outlives the Connect call, so it gets its own context.
	serveCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.served = make(chan error, 1)

	go func() {
		err := t.server.Serve(serveCtx, serverR, serverW)
		_ = serverW.Close()
		t.served <- err
	}()

	t.attach(NewLineConn(clientR, clientW, clientW, clientR))
	logging.ProtocolDebug("MCP pipe transport connected")
	return nil
}

// Disconnect closes the pipes and cancels in-flight executions.
func (t *PipeTransport) Disconnect() error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.served == nil {
		return nil
	}
	t.cancel()
	err := t.detach(time.Second)
	if serveErr := <-t.served; serveErr != nil && err == nil {
		err = serveErr
	}
	t.served = nil
	t.cancel = nil
	logging.ProtocolDebug("MCP pipe transport disconnected")
	return err
}

// Ensure PipeTransport implements MCPTransport.
var _ MCPTransport = (*PipeTransport)(nil)
