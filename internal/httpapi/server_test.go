package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codebridge/internal/bridge"
	"codebridge/internal/mcp"
	"codebridge/internal/tactile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// echoExecutor fails on bare math usage and otherwise echoes the code.
type echoExecutor struct {
	mu    sync.Mutex
	codes []string
	last  tactile.Request
}

func (e *echoExecutor) Execute(ctx context.Context, req tactile.Request) (*tactile.ExecutionResult, error) {
	e.mu.Lock()
	e.codes = append(e.codes, req.Code)
	e.last = req
	e.mu.Unlock()

	if strings.Contains(req.Code, "math.") && !strings.Contains(req.Code, "import math") {
		return &tactile.ExecutionResult{Stderr: "NameError: name 'math' is not defined", ExitCode: 1}, nil
	}
	return &tactile.ExecutionResult{Stdout: req.Code, ElapsedS: 0.01}, nil
}

func (e *echoExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "echo"}
}

func (e *echoExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.codes)
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *echoExecutor) {
	t.Helper()
	exec := &echoExecutor{}
	srv, b, err := NewStack(context.Background(), exec, nil, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})
	return ts, exec
}

func post(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestExecute(t *testing.T) {
	ts, exec := newTestServer(t)

	resp, out := post(t, ts.URL+"/execute", `{"code": "print('hello')", "timeout": 5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "print('hello')", out["stdout"])
	assert.Equal(t, float64(0), out["exit_code"])
	assert.Equal(t, 5*time.Second, exec.last.Timeout)

	resp, _ = post(t, ts.URL+"/execute/", `{"code": "x = 1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tactile.DefaultScriptTimeout, exec.last.Timeout)
}

func TestExecuteIsSingleShotByDefault(t *testing.T) {
	ts, exec := newTestServer(t)

	_, out := post(t, ts.URL+"/execute", `{"code": "print(math.pi)"}`)
	assert.Equal(t, float64(1), out["exit_code"])
	assert.Equal(t, float64(1), out["attempts"])
	assert.Equal(t, 1, exec.count())

	_, out = post(t, ts.URL+"/execute", `{"code": "print(math.pi)", "self_correct": true}`)
	assert.Equal(t, float64(0), out["exit_code"])
	assert.Equal(t, float64(2), out["attempts"])
	assert.Equal(t, "import math\nprint(math.pi)", out["final_code"])
}

func TestExecuteRejectsBadBodies(t *testing.T) {
	ts, exec := newTestServer(t, WithMaxBodyBytes(64))

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"code": `, "Invalid JSON body"},
		{"wrong type", `{"code": 12}`, "Invalid JSON body"},
		{"too large", `{"code": "` + strings.Repeat("a", 100) + `"}`, "Invalid JSON body"},
		{"missing code", `{"timeout": 3}`, "No code provided"},
		{"blank code", `{"code": "  \n\t "}`, "No code provided"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := post(t, ts.URL+"/execute", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, map[string]interface{}{"error": tt.want}, out)
			assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
	assert.Zero(t, exec.count())
}

func TestHealthAndRouting(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","server":"codebridge-http"}`, string(body))
	assert.Contains(t, string(body), "\n  \"", "responses are indented")

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/execute", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "POST, GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))

	for _, path := range []string{"/nope", "/"} {
		resp, err = http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err = http.Get(ts.URL + "/execute")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	audit := tactile.NewAuditLogger()
	ts, _ := newTestServer(t, WithAuditLogger(audit))

	post(t, ts.URL+"/execute", `{"code": "print(1)"}`)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, int64(1), st.Bridge.Calls)
	assert.Equal(t, int64(1), st.Bridge.Succeeded)
	assert.Equal(t, int64(1), st.Server.Calls)
	assert.NotNil(t, st.Executions)
}

func TestMCPOverHTTPAndWebSocket(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	for _, tr := range []mcp.MCPTransport{
		mcp.NewHTTPTransport(ts.URL+"/mcp", 5*time.Second),
		mcp.NewWebSocketTransport("ws" + strings.TrimPrefix(ts.URL, "http") + "/mcp/ws"),
	} {
		b, err := bridge.New(context.Background(), tr)
		require.NoError(t, err)

		r := b.ExecuteShell(context.Background(), "echo remote")
		assert.Equal(t, "echo remote", r.Stdout)

		r = b.ExecutePython(context.Background(), "print(math.e)")
		assert.Equal(t, 0, r.ExitCode)
		assert.Equal(t, 2, r.Attempts)

		require.NoError(t, b.Close())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	exec := &echoExecutor{}
	srv, b, err := NewStack(context.Background(), exec, nil, WithMaxConnections(2))
	require.NoError(t, err)
	defer b.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	http.DefaultClient.CloseIdleConnections()
}
