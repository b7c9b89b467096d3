package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codebridge/internal/mcp"
	"codebridge/internal/repair"
	"codebridge/internal/tactile"
	"codebridge/internal/tactile/python"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const factorialCode = "result = math.factorial(20)\nprint(result)"

// pyish imitates just enough of a Python interpreter for the controller:
// missing imports raise NameError, "sleep" takes 100ms, "boom" always fails.
type pyish struct {
	mu    sync.Mutex
	codes []string
}

func (p *pyish) Execute(ctx context.Context, req tactile.Request) (*tactile.ExecutionResult, error) {
	p.mu.Lock()
	p.codes = append(p.codes, req.Code)
	p.mu.Unlock()

	code := req.Code
	switch {
	case req.Mode == tactile.ModeShell:
		if pat, blocked := tactile.DefaultDenylist().Match(code); blocked {
			return tactile.FailureResult(tactile.BlockedMessage(pat)), nil
		}
		return &tactile.ExecutionResult{Stdout: strings.TrimPrefix(code, "echo "), ElapsedS: 0.001}, nil
	case strings.Contains(code, "math.") && !strings.Contains(code, "import math"):
		return &tactile.ExecutionResult{
			Stderr:   "Traceback (most recent call last):\n  File \"<string>\", line 1, in <module>\nNameError: name 'math' is not defined",
			ExitCode: 1,
		}, nil
	case strings.Contains(code, "math.factorial(20)"):
		return &tactile.ExecutionResult{Stdout: "2432902008176640000"}, nil
	case strings.HasPrefix(code, "sleep"):
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return tactile.FailureResult("cancelled"), nil
		}
		return &tactile.ExecutionResult{Stdout: code}, nil
	case strings.Contains(code, "boom"):
		return &tactile.ExecutionResult{Stderr: "RuntimeError: boom", ExitCode: 1}, nil
	}
	return &tactile.ExecutionResult{Stdout: code}, nil
}

func (p *pyish) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "pyish"}
}

func (p *pyish) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.codes...)
}

func newBridge(t *testing.T, exec tactile.Executor, opts ...Option) *Bridge {
	t.Helper()
	b, err := New(context.Background(), mcp.NewPipeTransport(mcp.NewServer(exec)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSelfCorrectAddsImport(t *testing.T) {
	exec := &pyish{}
	b := newBridge(t, exec)

	result, trace := b.ExecutePythonTrace(context.Background(), factorialCode)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 2, result.Attempts)
	assert.Contains(t, result.Stdout, "2432902008176640000")
	assert.Equal(t, "import math\n"+factorialCode, result.FinalCode)

	assert.Equal(t, StateSucceeded, trace.Final)
	assert.Equal(t, []string{repair.RuleUndefinedName}, trace.Rules())
	states := []State{}
	for _, tr := range trace.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateRepairing, StateAttempting, StateSucceeded}, states)

	// Attempts are sequential and each saw the previous variant's fix.
	assert.Equal(t, []string{factorialCode, "import math\n" + factorialCode}, exec.seen())
}

func TestSelfCorrectDisabled(t *testing.T) {
	b := newBridge(t, &pyish{})

	result, trace := b.ExecutePythonTrace(context.Background(), factorialCode, WithSelfCorrect(false))
	assert.NotEqual(t, 0, result.ExitCode)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, factorialCode, result.FinalCode)
	assert.Equal(t, StateExhaustedAttempts, trace.Final)
	assert.Len(t, trace.Transitions, 1)
}

func TestNoFixStopsImmediately(t *testing.T) {
	exec := &pyish{}
	b := newBridge(t, exec)

	result, trace := b.ExecutePythonTrace(context.Background(), "raise RuntimeError('boom')")
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "RuntimeError: boom", result.Stderr)
	assert.Equal(t, StateNoFixAvailable, trace.Final)
	assert.Len(t, exec.seen(), 1)
	assert.Equal(t, int64(1), b.Stats().NoFixAvailable)
}

// alwaysPatch keeps producing a different variant that still fails.
type alwaysPatch struct{}

func (alwaysPatch) Fix(code, _ string) (string, bool) { return code + "\n# again", true }

func TestExhaustedAttempts(t *testing.T) {
	exec := &pyish{}
	b := newBridge(t, exec, WithFixer(alwaysPatch{}), WithMaxAttempts(3))

	result, trace := b.ExecutePythonTrace(context.Background(), "boom")
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "boom\n# again\n# again", result.FinalCode)
	assert.Equal(t, StateExhaustedAttempts, trace.Final)
	assert.Equal(t, []string{"custom", "custom"}, trace.Rules())
	assert.Len(t, exec.seen(), 3)

	// final_code is exactly what produced the returned output.
	seen := exec.seen()
	assert.Equal(t, seen[len(seen)-1], result.FinalCode)
}

func TestCodeIsNormalized(t *testing.T) {
	exec := &pyish{}
	b := newBridge(t, exec)

	result := b.ExecutePython(context.Background(), "\n\n    x = 1\n    print(x)\n\n")
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "x = 1\nprint(x)", result.FinalCode)
	assert.Equal(t, []string{"x = 1\nprint(x)"}, exec.seen())
}

func TestTimeoutIsForwarded(t *testing.T) {
	exec := &recordingExecutor{}
	b := newBridge(t, exec)

	b.ExecutePython(context.Background(), "print(1)")
	b.ExecutePython(context.Background(), "print(1)", WithTimeout(2*time.Second))
	b.ExecuteShell(context.Background(), "ls")

	reqs := exec.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, tactile.DefaultScriptTimeout, reqs[0].Timeout)
	assert.Equal(t, 2*time.Second, reqs[1].Timeout)
	assert.Equal(t, tactile.DefaultShellTimeout, reqs[2].Timeout)
}

type recordingExecutor struct {
	mu   sync.Mutex
	reqs []tactile.Request
}

func (r *recordingExecutor) Execute(_ context.Context, req tactile.Request) (*tactile.ExecutionResult, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return &tactile.ExecutionResult{}, nil
}

func (r *recordingExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{}
}

func (r *recordingExecutor) requests() []tactile.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tactile.Request(nil), r.reqs...)
}

func TestExecuteShell(t *testing.T) {
	b := newBridge(t, &pyish{})

	result := b.ExecuteShell(context.Background(), "echo hello")
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello", result.Stdout)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "echo hello", result.FinalCode)

	result = b.ExecuteShell(context.Background(), "rm -rf / ")
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, "Blocked pattern detected: 'rm -rf /'", result.Error)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteManyOverlaps(t *testing.T) {
	b := newBridge(t, &pyish{})

	codes := []string{"sleep 1", "sleep 2", "sleep 3", "sleep 4"}
	start := time.Now()
	results, err := b.ExecuteMany(context.Background(), codes)
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, codes[i], r.Stdout, "no cross-talk")
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestExecuteManyCancelled(t *testing.T) {
	b := newBridge(t, &pyish{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.ExecuteMany(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClosedBridgeReturnsFailureResults(t *testing.T) {
	b := newBridge(t, &pyish{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	result := b.ExecutePython(context.Background(), "print(1)")
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, mcp.ErrNotConnected.Error(), result.Error)
	assert.Equal(t, 1, result.Attempts)
}

// stubTransport answers from canned values.
type stubTransport struct {
	tools      []mcp.MCPToolSchema
	result     *mcp.MCPCallResult
	callErr    error
	connected  bool
	disconnect int
}

func (s *stubTransport) Connect(context.Context) error { s.connected = true; return nil }
func (s *stubTransport) Disconnect() error {
	s.connected = false
	s.disconnect++
	return nil
}
func (s *stubTransport) ListTools(context.Context) ([]mcp.MCPToolSchema, error) { return s.tools, nil }
func (s *stubTransport) CallTool(context.Context, string, map[string]interface{}) (*mcp.MCPCallResult, error) {
	return s.result, s.callErr
}
func (s *stubTransport) GetCapabilities(context.Context) (*mcp.MCPCapabilities, error) {
	return &mcp.MCPCapabilities{Tools: true, ServerName: "stub"}, nil
}
func (s *stubTransport) Ping(context.Context) error { return nil }
func (s *stubTransport) IsConnected() bool          { return s.connected }

func TestNewRejectsIncompleteCatalog(t *testing.T) {
	stub := &stubTransport{tools: mcp.Catalog()[:1]}
	_, err := New(context.Background(), stub)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcp.ErrCatalogIncomplete))
	assert.Contains(t, err.Error(), mcp.ToolExecuteShell)
	assert.Equal(t, 1, stub.disconnect)
	assert.False(t, stub.IsConnected())
}

func envelope(t *testing.T, items ...mcp.ContentItem) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(mcp.CallToolResult{Content: items})
	require.NoError(t, err)
	return data
}

func TestTransportProblemsBecomeResults(t *testing.T) {
	tests := []struct {
		name    string
		result  *mcp.MCPCallResult
		callErr error
		wantErr string
	}{
		{"transport error", nil, errors.New("broken pipe"), "broken pipe"},
		{"rpc failure", &mcp.MCPCallResult{Success: false, Error: "MCP error -32603: boom"}, nil, "MCP error -32603: boom"},
		{"empty content", &mcp.MCPCallResult{Success: true, Output: envelope(t)}, nil, "MCP server returned empty content"},
		{"blank text", &mcp.MCPCallResult{Success: true, Output: envelope(t, mcp.ContentItem{Type: "text", Text: "  "})}, nil, "MCP server returned blank text"},
		{"not json", &mcp.MCPCallResult{Success: true, Output: envelope(t, mcp.ContentItem{Type: "text", Text: "hello"})}, nil, "MCP server returned invalid JSON"},
		{"error only", &mcp.MCPCallResult{Success: true, Output: envelope(t, mcp.ContentItem{Type: "text", Text: `{"error":"Unknown tool: x"}`})}, nil, "Unknown tool: x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubTransport{tools: mcp.Catalog(), result: tt.result, callErr: tt.callErr}
			b, err := New(context.Background(), stub)
			require.NoError(t, err)
			defer b.Close()

			result := b.ExecutePython(context.Background(), "print(1)")
			assert.Equal(t, -1, result.ExitCode)
			assert.Contains(t, result.Error, tt.wantErr)
			assert.Equal(t, 1, result.Attempts)
			assert.Equal(t, "print(1)", result.FinalCode)
		})
	}
}

func TestDecodeResultKeepsExitCode(t *testing.T) {
	res := &mcp.MCPCallResult{Success: true, Output: envelope(t, mcp.ContentItem{
		Type: "text",
		Text: "{\n  \"stdout\": \"\",\n  \"stderr\": \"SyntaxError\",\n  \"exit_code\": 1,\n  \"elapsed_s\": 0.02\n}",
	})}
	r := DecodeResult(res)
	assert.Equal(t, 1, r.ExitCode)
	assert.Equal(t, "SyntaxError", r.Stderr)
	assert.Equal(t, 0.02, r.ElapsedS)
	assert.Empty(t, r.Error)
}

func TestWatcherAsFixer(t *testing.T) {
	path := t.TempDir() + "/policy.yaml"
	require.NoError(t, os.WriteFile(path, []byte("disabled_rules: [undefined-name]\n"), 0644))
	w, err := repair.NewWatcher(path)
	require.NoError(t, err)
	defer w.Stop()

	b := newBridge(t, &pyish{}, WithFixer(w))
	result, trace := b.ExecutePythonTrace(context.Background(), factorialCode)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, StateNoFixAvailable, trace.Final)

	require.NoError(t, os.WriteFile(path, []byte("imports: {}\n"), 0644))
	require.NoError(t, w.Reload())
	result = b.ExecutePython(context.Background(), factorialCode)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 2, result.Attempts)
}

// The remaining tests need a real interpreter.

func realBridge(t *testing.T) *Bridge {
	t.Helper()
	return realBridgeWith(t, nil)
}

func realBridgeWith(t *testing.T, configure func(*tactile.ExecutorConfig), opts ...Option) *Bridge {
	t.Helper()
	if testing.Short() {
		t.Skip("runs python subprocesses")
	}
	env, err := python.Detect(context.Background(), "")
	if err != nil {
		t.Skipf("python not available: %v", err)
	}
	cfg := tactile.DefaultExecutorConfig()
	cfg.Python = env.Interpreter
	if configure != nil {
		configure(&cfg)
	}
	return newBridge(t, tactile.NewDirectExecutorWithConfig(cfg), opts...)
}

func TestRealPython_SelfCorrect(t *testing.T) {
	b := realBridge(t)

	result := b.ExecutePython(context.Background(), factorialCode)
	assert.Equal(t, 0, result.ExitCode, result.Stderr)
	assert.Greater(t, result.Attempts, 1)
	assert.Contains(t, result.Stdout, "2432902008176640000")

	result = b.ExecutePython(context.Background(), factorialCode, WithSelfCorrect(false))
	assert.Equal(t, 1, result.Attempts)
	assert.NotEqual(t, 0, result.ExitCode)
}

func TestRealPython_SyntaxError(t *testing.T) {
	b := realBridge(t)

	result := b.ExecutePython(context.Background(), "def f(:\n pass", WithSelfCorrect(false))
	assert.NotEqual(t, 0, result.ExitCode)
	assert.Contains(t, result.Stderr, "SyntaxError")
	assert.Equal(t, 1, result.Attempts)
}

func TestRealPython_Timeout(t *testing.T) {
	b := realBridge(t)

	start := time.Now()
	result := b.ExecutePython(context.Background(), "while True:\n    pass", WithTimeout(2*time.Second), WithSelfCorrect(false))
	elapsed := time.Since(start)

	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Error, "timed out")
	assert.InDelta(t, 2.0, elapsed.Seconds(), 1.5)
}

func TestRealPython_Concurrent(t *testing.T) {
	b := realBridge(t)

	codes := make([]string, 4)
	for i := range codes {
		codes[i] = "import time\ntime.sleep(0.1)\nprint(" + string(rune('0'+i)) + ")"
	}
	// Warm the interpreter's file cache, then time the snippets one by one.
	b.ExecutePython(context.Background(), "pass")
	var sequential time.Duration
	for _, code := range codes {
		start := time.Now()
		b.ExecutePython(context.Background(), code)
		sequential += time.Since(start)
	}

	start := time.Now()
	results, err := b.ExecuteMany(context.Background(), codes)
	require.NoError(t, err)
	elapsed := time.Since(start)

	for i, r := range results {
		assert.Equal(t, 0, r.ExitCode, r.Stderr)
		assert.Equal(t, string(rune('0'+i)), r.Stdout)
	}
	assert.Less(t, elapsed, sequential)
}

func TestRealPython_QueuedCallsReportWhatRan(t *testing.T) {
	b := realBridgeWith(t, func(cfg *tactile.ExecutorConfig) { cfg.MaxConcurrency = 1 },
		WithCallGrace(200*time.Millisecond))
	marker := filepath.Join(t.TempDir(), "marker")

	code := "import time\ntime.sleep(1)\nopen(" + strconv.Quote(marker) + ", 'a').write('x\\n')"
	results, err := b.ExecuteMany(context.Background(), []string{code, code},
		WithTimeout(1500*time.Millisecond), WithSelfCorrect(false))
	require.NoError(t, err)

	succeeded := 0
	for _, r := range results {
		assert.NotContains(t, r.Error, "deadline exceeded", "the client gave up before the executor answered")
		if r.ExitCode == 0 {
			succeeded++
		} else {
			assert.Contains(t, r.Error, "timed out")
		}
	}
	data, _ := os.ReadFile(marker)
	assert.Equal(t, succeeded, strings.Count(string(data), "x"), "every write must belong to a reported success")
	assert.Equal(t, 1, succeeded)
}
