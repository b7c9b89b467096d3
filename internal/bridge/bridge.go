// Package bridge is the self-correcting retry controller. A Bridge holds a
// validated connection to an executor server and runs Python code through
// a bounded attempt/repair loop:
//
//	Attempting --exit 0--------------------> Succeeded
//	Attempting --fail, attempts left-------> Repairing
//	Attempting --fail, no attempts left----> ExhaustedAttempts
//	Repairing  --table has a patch---------> Attempting
//	Repairing  --no patch------------------> NoFixAvailable
//
// Execution failures never surface as Go errors; they are results with a
// non-zero exit_code. Only setup (an incomplete tool catalog) fails hard.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"codebridge/internal/logging"
	"codebridge/internal/mcp"
	"codebridge/internal/repair"
	"codebridge/internal/tactile"
	"codebridge/internal/tactile/python"
)

// DefaultMaxAttempts bounds executions per self-correcting call.
const DefaultMaxAttempts = 3

// Bridge is safe for concurrent use. Independent calls overlap; the attempts
// of one call are strictly sequential.
type Bridge struct {
	transport   mcp.MCPTransport
	fixer       repair.Fixer
	maxAttempts int
	callGrace   time.Duration
	parallelism int

	caps  *mcp.MCPCapabilities
	tools []mcp.MCPToolSchema

	closeOnce sync.Once
	closeErr  error

	stats counters
}

type counters struct {
	calls      atomic.Int64
	executions atomic.Int64
	repairs    atomic.Int64
	succeeded  atomic.Int64
	exhausted  atomic.Int64
	noFix      atomic.Int64
}

// Stats is a snapshot of the bridge's counters.
type Stats struct {
	Calls             int64 `json:"calls"`
	Executions        int64 `json:"executions"`
	Repairs           int64 `json:"repairs"`
	Succeeded         int64 `json:"succeeded"`
	ExhaustedAttempts int64 `json:"exhausted_attempts"`
	NoFixAvailable    int64 `json:"no_fix_available"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithFixer replaces the default repair table.
func WithFixer(f repair.Fixer) Option {
	return func(b *Bridge) { b.fixer = f }
}

// WithMaxAttempts sets the attempt ceiling for self-correcting calls.
func WithMaxAttempts(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithCallGrace bounds each tools/call round trip to the execution timeout
// plus d. Zero leaves calls bounded only by the caller's context.
func WithCallGrace(d time.Duration) Option {
	return func(b *Bridge) { b.callGrace = d }
}

// WithParallelism caps how many executions ExecuteMany runs at once.
func WithParallelism(n int) Option {
	return func(b *Bridge) { b.parallelism = n }
}

// New connects transport, performs the handshake and checks the advertised
// catalog. On any failure the transport is disconnected and the error is
// returned; an incomplete catalog wraps mcp.ErrCatalogIncomplete.
func New(ctx context.Context, transport mcp.MCPTransport, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		transport:   transport,
		fixer:       repair.NewTable(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(b)
	}

	timer := logging.StartTimer(logging.CategoryBridge, "bridge setup")
	defer timer.Stop()

	caps, err := mcp.Connect(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to executor: %w", err)
	}
	tools, err := transport.ListTools(ctx)
	if err != nil {
		_ = transport.Disconnect()
		return nil, err
	}
	if err := mcp.ValidateCatalog(tools); err != nil {
		_ = transport.Disconnect()
		return nil, err
	}

	b.caps = caps
	b.tools = tools
	logging.Bridge("Bridge ready: %d tools from %s, max %d attempts", len(tools), caps.ServerName, b.maxAttempts)
	return b, nil
}

// Open builds the transport described by tc and calls New.
func Open(ctx context.Context, tc mcp.TransportConfig, opts ...Option) (*Bridge, error) {
	transport, err := mcp.NewTransport(tc)
	if err != nil {
		return nil, err
	}
	return New(ctx, transport, opts...)
}

// Tools returns the catalog the server advertised.
func (b *Bridge) Tools() []mcp.MCPToolSchema {
	return append([]mcp.MCPToolSchema(nil), b.tools...)
}

// Capabilities returns the server's initialize answer.
func (b *Bridge) Capabilities() mcp.MCPCapabilities {
	return *b.caps
}

// MaxAttempts returns the attempt ceiling.
func (b *Bridge) MaxAttempts() int {
	return b.maxAttempts
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Calls:             b.stats.calls.Load(),
		Executions:        b.stats.executions.Load(),
		Repairs:           b.stats.repairs.Load(),
		Succeeded:         b.stats.succeeded.Load(),
		ExhaustedAttempts: b.stats.exhausted.Load(),
		NoFixAvailable:    b.stats.noFix.Load(),
	}
}

// Close disconnects the transport. Further calls return failure results.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.transport.Disconnect()
		logging.Bridge("Bridge closed")
	})
	return b.closeErr
}

// CallOption adjusts one call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout     time.Duration
	selfCorrect bool
}

// WithTimeout sets the execution timeout. Non-positive values mean the
// tool's default.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithSelfCorrect enables or disables the repair loop. Python calls
// self-correct unless disabled.
func WithSelfCorrect(enabled bool) CallOption {
	return func(o *callOptions) { o.selfCorrect = enabled }
}

func buildOptions(op mcp.Operation, opts []CallOption) callOptions {
	o := callOptions{selfCorrect: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = op.DefaultTimeout
	}
	return o
}

// ExecutePython runs code through the attempt/repair loop.
func (b *Bridge) ExecutePython(ctx context.Context, code string, opts ...CallOption) *tactile.ExecutionResult {
	result, _ := b.ExecutePythonTrace(ctx, code, opts...)
	return result
}

// ExecutePythonTrace is ExecutePython that also returns the state
// transitions the call went through.
func (b *Bridge) ExecutePythonTrace(ctx context.Context, code string, opts ...CallOption) (*tactile.ExecutionResult, *Trace) {
	op, _ := mcp.LookupOperation(mcp.ToolExecutePython)
	o := buildOptions(op, opts)
	b.stats.calls.Add(1)

	limit := b.maxAttempts
	if !o.selfCorrect {
		limit = 1
	}

	current := python.Normalize(code)
	attempt := 1
	state := StateAttempting
	trace := &Trace{Final: state}
	var result *tactile.ExecutionResult

	for !state.Terminal() {
		switch state {
		case StateAttempting:
			result = b.call(ctx, op, current, o.timeout)
			next := StateRepairing
			switch {
			case result.ExitCode == 0:
				next = StateSucceeded
			case attempt >= limit:
				next = StateExhaustedAttempts
			}
			trace.record(state, next, attempt, result.ExitCode, "")
			state = next

		case StateRepairing:
			rule, patched, ok := b.repair(current, result.Diagnostics())
			if !ok {
				logging.BridgeDebug("Attempt %d failed, no known fix", attempt)
				trace.record(state, StateNoFixAvailable, attempt, result.ExitCode, "")
				state = StateNoFixAvailable
				break
			}
			logging.Bridge("Attempt %d failed, applying %s fix and retrying", attempt, rule)
			b.stats.repairs.Add(1)
			current = patched
			attempt++
			trace.record(state, StateAttempting, attempt, result.ExitCode, rule)
			state = StateAttempting
		}
	}

	switch state {
	case StateSucceeded:
		b.stats.succeeded.Add(1)
	case StateExhaustedAttempts:
		b.stats.exhausted.Add(1)
	case StateNoFixAvailable:
		b.stats.noFix.Add(1)
	}

	result.Attempts = attempt
	result.FinalCode = current
	return result, trace
}

// ruleMatcher is implemented by fixers that can name the rule they applied.
type ruleMatcher interface {
	Match(code, stderr string) (rule, patched string, ok bool)
}

func (b *Bridge) repair(code, stderr string) (string, string, bool) {
	if m, ok := b.fixer.(ruleMatcher); ok {
		return m.Match(code, stderr)
	}
	patched, ok := b.fixer.Fix(code, stderr)
	return "custom", patched, ok
}

// ExecuteShell runs one shell command. Shell commands are never repaired.
func (b *Bridge) ExecuteShell(ctx context.Context, cmd string, opts ...CallOption) *tactile.ExecutionResult {
	op, _ := mcp.LookupOperation(mcp.ToolExecuteShell)
	o := buildOptions(op, opts)
	b.stats.calls.Add(1)

	result := b.call(ctx, op, cmd, o.timeout)
	if result.ExitCode == 0 {
		b.stats.succeeded.Add(1)
	}
	result.Attempts = 1
	result.FinalCode = cmd
	return result
}

// ExecuteMany runs independent Python snippets concurrently and returns
// their results in input order.
func (b *Bridge) ExecuteMany(ctx context.Context, codes []string, opts ...CallOption) ([]*tactile.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]*tactile.ExecutionResult, len(codes))

	g, gctx := errgroup.WithContext(ctx)
	if b.parallelism > 0 {
		g.SetLimit(b.parallelism)
	}
	for i, code := range codes {
		g.Go(func() error {
			results[i] = b.ExecutePython(gctx, code, opts...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// call performs one tools/call and turns every transport-level problem
// into a failure result.
func (b *Bridge) call(ctx context.Context, op mcp.Operation, text string, timeout time.Duration) *tactile.ExecutionResult {
	b.stats.executions.Add(1)

	if b.callGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+b.callGrace)
		defer cancel()
	}

	res, err := b.transport.CallTool(ctx, op.Name, map[string]interface{}{
		op.Arg:    text,
		"timeout": timeout.Seconds(),
	})
	if err != nil {
		logging.BridgeWarn("%s transport error: %v", op.Name, err)
		return tactile.FailureResult(err.Error())
	}
	if !res.Success {
		logging.BridgeWarn("%s call failed: %s", op.Name, res.Error)
		return tactile.FailureResult(res.Error)
	}
	return DecodeResult(res)
}

// DecodeResult extracts the ExecutionResult from a tools/call envelope.
func DecodeResult(res *mcp.MCPCallResult) *tactile.ExecutionResult {
	content, err := res.Content()
	if err != nil {
		return tactile.FailureResult(fmt.Sprintf("MCP server returned malformed content: %v", err))
	}
	if len(content) == 0 {
		return tactile.FailureResult("MCP server returned empty content")
	}
	text := content[0].Text
	if strings.TrimSpace(text) == "" {
		return tactile.FailureResult("MCP server returned blank text")
	}

	var wire struct {
		tactile.ExecutionResult
		ExitCode *int `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return tactile.FailureResult(fmt.Sprintf("MCP server returned invalid JSON: %v", err))
	}
	result := wire.ExecutionResult
	switch {
	case wire.ExitCode != nil:
		result.ExitCode = *wire.ExitCode
	case result.Error != "":
		result.ExitCode = -1
	default:
		return tactile.FailureResult("MCP server result has no exit_code")
	}
	return &result
}
