package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codebridge/internal/logging"
	"codebridge/internal/tactile"
)

// Server answers MCP requests by running tools on an executor.
//
// Frames are read strictly in order. Cheap methods are answered inline;
// each tools/call runs on its own goroutine so independent executions
// overlap, and responses are correlated by id.
type Server struct {
	executor tactile.Executor
	name     string
	version  string

	calls    atomic.Int64
	inFlight atomic.Int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo overrides the serverInfo announced in initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// NewServer creates a server backed by executor.
func NewServer(executor tactile.Executor, opts ...ServerOption) *Server {
	s := &Server{
		executor: executor,
		name:     ServerName,
		version:  Version,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerStats reports call counters.
type ServerStats struct {
	Calls    int64 `json:"calls"`
	InFlight int64 `json:"in_flight"`
}

// Stats returns a snapshot of the call counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{Calls: s.calls.Load(), InFlight: s.inFlight.Load()}
}

// rpcMessage is an incoming request or notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (m *rpcMessage) isNotification() bool {
	return len(m.ID) == 0
}

// rpcResponse is an outgoing response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// Serve speaks newline-delimited JSON-RPC over r and w until r is exhausted
// or ctx is done. It waits for in-flight tool calls before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.ServeConn(ctx, NewLineConn(r, w))
}

// ServeConn serves one framed connection until the input ends or ctx is
// done. Both return nil. When ctx is done conn is closed and in-flight
// calls see a cancelled context.
func (s *Server) ServeConn(ctx context.Context, conn FrameConn) error {
	stop := make(chan struct{})
	defer close(stop)
	var wg sync.WaitGroup
	defer wg.Wait()

	write := func(resp *rpcResponse) {
		data, err := json.Marshal(resp)
		if err != nil {
			logging.ProtocolError("Failed to encode response: %v", err)
			return
		}
		if err := conn.WriteFrame(data); err != nil {
			logging.ProtocolWarn("Failed to write response: %v", err)
		}
	}

	// ReadFrame may block past cancellation (stdin), so it gets its own
	// goroutine.
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-stop:
				return
			}
		}
	}()

	calls := &inflightCalls{cancels: make(map[string]*inflightCall)}
	for {
		var frame []byte
		select {
		case <-ctx.Done():
			logging.ProtocolDebug("Stopped serving: %v", ctx.Err())
			_ = conn.Close()
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logging.ProtocolDebug("Client closed the channel")
				return nil
			}
			return err
		case frame = <-frames:
		}

		var msg rpcMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			logging.ProtocolWarn("Unparseable frame: %v", err)
			write(&rpcResponse{
				JSONRPC: "2.0",
				ID:      nullID,
				Error:   &mcpError{Code: CodeParseError, Message: "Parse error"},
			})
			continue
		}

		if msg.Method == "notifications/cancelled" {
			calls.cancel(msg.Params)
			continue
		}

		if msg.Method == "tools/call" && !msg.isNotification() {
			callCtx, done := calls.start(ctx, msg.ID)
			wg.Add(1)
			go func(msg rpcMessage) {
				defer wg.Done()
				defer done()
				write(s.handleToolsCall(callCtx, &msg))
			}(msg)
			continue
		}

		if resp := s.dispatch(ctx, &msg); resp != nil {
			write(resp)
		}
	}
}

// inflightCalls tracks running tools/call handlers by request id.
type inflightCalls struct {
	mu      sync.Mutex
	cancels map[string]*inflightCall
}

type inflightCall struct {
	cancel context.CancelFunc
}

func (c *inflightCalls) start(ctx context.Context, id json.RawMessage) (context.Context, func()) {
	callCtx, cancel := context.WithCancel(ctx)
	key := string(bytes.TrimSpace(id))
	call := &inflightCall{cancel: cancel}

	c.mu.Lock()
	c.cancels[key] = call
	c.mu.Unlock()

	return callCtx, func() {
		cancel()
		c.mu.Lock()
		if c.cancels[key] == call {
			delete(c.cancels, key)
		}
		c.mu.Unlock()
	}
}

func (c *inflightCalls) cancel(raw json.RawMessage) {
	var params CancelledParams
	if err := json.Unmarshal(raw, &params); err != nil || len(params.RequestID) == 0 {
		logging.ProtocolWarn("Ignoring malformed cancellation: %s", raw)
		return
	}
	key := string(bytes.TrimSpace(params.RequestID))

	c.mu.Lock()
	call, ok := c.cancels[key]
	c.mu.Unlock()
	if !ok {
		logging.ProtocolDebug("Cancellation for finished request %s", key)
		return
	}
	logging.Protocol("Cancelling request %s: %s", key, params.Reason)
	call.cancel()
}

// HandleMessage answers a single JSON-RPC message synchronously. It returns
// nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, frame []byte) []byte {
	var msg rpcMessage
	var resp *rpcResponse
	if err := json.Unmarshal(frame, &msg); err != nil {
		resp = &rpcResponse{
			JSONRPC: "2.0",
			ID:      nullID,
			Error:   &mcpError{Code: CodeParseError, Message: "Parse error"},
		}
	} else if msg.Method == "tools/call" && !msg.isNotification() {
		resp = s.handleToolsCall(ctx, &msg)
	} else {
		resp = s.dispatch(ctx, &msg)
	}
	if resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		logging.ProtocolError("Failed to encode response: %v", err)
		return nil
	}
	return data
}

func (s *Server) dispatch(_ context.Context, msg *rpcMessage) *rpcResponse {
	logging.ProtocolDebug("<- %s", msg.Method)

	if msg.isNotification() {
		// notifications/initialized and friends need no answer.
		return nil
	}

	resp := &rpcResponse{JSONRPC: "2.0", ID: msg.ID}
	switch msg.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":    s.name,
				"version": s.version,
			},
		}
	case "ping":
		resp.Result = map[string]interface{}{}
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": Catalog()}
	default:
		resp.Error = &mcpError{Code: CodeMethodNotFound, Message: "Method not found: " + msg.Method}
	}
	return resp
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, msg *rpcMessage) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: msg.ID}

	var params toolCallParams
	if len(msg.Params) == 0 {
		resp.Error = &mcpError{Code: CodeInvalidParams, Message: "tools/call requires params"}
		return resp
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		resp.Error = &mcpError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid tools/call params: %v", err)}
		return resp
	}

	s.calls.Add(1)
	s.inFlight.Add(1)
	result := s.CallTool(ctx, params.Name, params.Arguments)
	s.inFlight.Add(-1)

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		resp.Error = &mcpError{Code: CodeInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = CallToolResult{Content: []ContentItem{{Type: "text", Text: string(text)}}}
	return resp
}

// CallTool runs one catalog operation. Every failure, including an unknown
// tool or a bad argument, comes back as a result with exit_code -1.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) *tactile.ExecutionResult {
	op, ok := LookupOperation(name)
	if !ok {
		logging.ProtocolWarn("Call to unknown tool %q", name)
		return tactile.FailureResult("Unknown tool: " + name)
	}

	raw, present := args[op.Arg]
	if !present {
		return tactile.FailureResult(fmt.Sprintf("missing required argument '%s'", op.Arg))
	}
	text, isString := raw.(string)
	if !isString {
		return tactile.FailureResult(fmt.Sprintf("argument '%s' must be a string", op.Arg))
	}

	timeout, err := parseTimeout(args["timeout"])
	if err != nil {
		return tactile.FailureResult(err.Error())
	}

	logging.Protocol("tools/call %s (timeout=%s)", name, timeout)
	result, err := s.executor.Execute(ctx, tactile.Request{
		Code:    text,
		Mode:    op.Mode,
		Timeout: timeout,
	})
	if err != nil {
		return tactile.FailureResult(err.Error())
	}
	return result
}

// parseTimeout accepts a JSON number or a numeric string, in seconds. An
// absent value yields zero, which the executor replaces with the mode
// default.
func parseTimeout(v interface{}) (time.Duration, error) {
	var secs float64
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		secs = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q", t.String())
		}
		secs = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q", t)
		}
		secs = f
	default:
		return 0, fmt.Errorf("invalid timeout %v", v)
	}
	if secs <= 0 {
		return 0, nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}
