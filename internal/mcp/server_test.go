package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codebridge/internal/tactile"
)

func TestCatalog(t *testing.T) {
	catalog := Catalog()
	require.Len(t, catalog, 2)
	assert.Equal(t, ToolExecutePython, catalog[0].Name)
	assert.Equal(t, ToolExecuteShell, catalog[1].Name)

	assert.Equal(t,
		"Execute arbitrary Python 3 code in an isolated subprocess. stdout + stderr are captured and returned. The subprocess is killed after `timeout` seconds (default 30).",
		catalog[0].Description)
	assert.Equal(t,
		"Run a shell command. stdout + stderr returned. Killed after `timeout` seconds (default 15). Dangerous commands (rm -rf /, :(){ ...) are blocked.",
		catalog[1].Description)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(catalog[0].InputSchema, &schema))
	want := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "Python source code to execute.",
			},
			"timeout": map[string]interface{}{
				"type":        "number",
				"description": "Max seconds to run (default 30).",
				"default":     float64(30),
			},
		},
		"required": []interface{}{"code"},
	}
	if diff := cmp.Diff(want, schema); diff != "" {
		t.Errorf("execute_python schema mismatch (-want +got):\n%s", diff)
	}

	// Callers get their own copy.
	catalog[0].Name = "mutated"
	assert.Equal(t, ToolExecutePython, Catalog()[0].Name)
}

func TestValidateCatalog(t *testing.T) {
	assert.NoError(t, ValidateCatalog(Catalog()))

	err := ValidateCatalog([]MCPToolSchema{{Name: ToolExecuteShell}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCatalogIncomplete))
	assert.Contains(t, err.Error(), ToolExecutePython)

	err = ValidateCatalog(nil)
	assert.ErrorIs(t, err, ErrCatalogIncomplete)
	assert.Contains(t, err.Error(), "execute_python, execute_shell")
}

// rpc sends frames through Serve and returns the decoded responses keyed
// by id.
func rpc(t *testing.T, srv *Server, frames ...string) map[string]map[string]interface{} {
	t.Helper()
	in := strings.Join(frames, "\n") + "\n"
	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(in), &out))

	got := make(map[string]map[string]interface{})
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &msg), line)
		id, _ := json.Marshal(msg["id"])
		got[string(id)] = msg
	}
	return got
}

func toolText(t *testing.T, msg map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, ok := msg["result"].(map[string]interface{})
	require.True(t, ok, "no result in %v", msg)
	content := result["content"].([]interface{})
	require.Len(t, content, 1)
	item := content[0].(map[string]interface{})
	assert.Equal(t, "text", item["type"])
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(item["text"].(string)), &decoded))
	return decoded
}

func TestServer_Handshake(t *testing.T) {
	got := rpc(t, NewServer(&fakeExecutor{}),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`,
	)
	require.Len(t, got, 3, "notifications get no response")

	init := got["1"]["result"].(map[string]interface{})
	assert.Equal(t, ProtocolVersion, init["protocolVersion"])
	assert.Equal(t, ServerName, init["serverInfo"].(map[string]interface{})["name"])

	assert.Equal(t, map[string]interface{}{}, got["2"]["result"])

	tools := got["3"]["result"].(map[string]interface{})["tools"].([]interface{})
	require.Len(t, tools, 2)
	assert.Equal(t, ToolExecutePython, tools[0].(map[string]interface{})["name"])
}

func TestServer_Errors(t *testing.T) {
	got := rpc(t, NewServer(&fakeExecutor{}),
		`{not json`,
		`{"jsonrpc":"2.0","id":"abc","method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call"}`,
	)

	parseErr := got["null"]["error"].(map[string]interface{})
	assert.Equal(t, float64(CodeParseError), parseErr["code"])

	notFound := got[`"abc"`]["error"].(map[string]interface{})
	assert.Equal(t, float64(CodeMethodNotFound), notFound["code"])
	assert.Contains(t, notFound["message"], "resources/list")

	invalid := got["5"]["error"].(map[string]interface{})
	assert.Equal(t, float64(CodeInvalidParams), invalid["code"])
}

func TestServer_ToolCall(t *testing.T) {
	exec := &fakeExecutor{}
	got := rpc(t, NewServer(exec),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"execute_python","arguments":{"code":"print(1)","timeout":2.5}}}`,
	)

	result := toolText(t, got["1"])
	assert.Equal(t, "script:print(1)", result["stdout"])
	assert.Equal(t, float64(0), result["exit_code"])
	assert.NotContains(t, result, "error")

	req := exec.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, 2500*time.Millisecond, req.Timeout)
	assert.Equal(t, tactile.ModeScript, req.Mode)
}

func TestServer_ToolCallFailuresAreResults(t *testing.T) {
	exec := &fakeExecutor{}
	got := rpc(t, NewServer(exec),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"execute_ruby","arguments":{"code":"puts 1"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"execute_shell","arguments":{"code":"ls"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"execute_shell","arguments":{"cmd":"ls","timeout":"soon"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"execute_python","arguments":{"code":42}}}`,
	)

	for id, wantErr := range map[string]string{
		"1": "Unknown tool: execute_ruby",
		"2": "missing required argument 'cmd'",
		"3": `invalid timeout "soon"`,
		"4": "argument 'code' must be a string",
	} {
		result := toolText(t, got[id])
		assert.Equal(t, wantErr, result["error"], "id %s", id)
		assert.Equal(t, float64(-1), result["exit_code"], "id %s", id)
	}
	assert.Zero(t, exec.calls.Load())
}

func TestServer_ResultTextIsIndented(t *testing.T) {
	resp := NewServer(&fakeExecutor{}).HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"execute_shell","arguments":{"cmd":"echo hi"}}}`))
	require.NotNil(t, resp)

	var msg struct {
		Result CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resp, &msg))
	require.Len(t, msg.Result.Content, 1)
	assert.True(t, strings.HasPrefix(msg.Result.Content[0].Text, "{\n  \"stdout\": \"shell:echo hi\""),
		msg.Result.Content[0].Text)

	assert.Nil(t, NewServer(&fakeExecutor{}).HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in      interface{}
		want    time.Duration
		wantErr bool
	}{
		{nil, 0, false},
		{float64(2), 2 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{json.Number("3"), 3 * time.Second, false},
		{float64(-1), 0, false},
		{true, 0, true},
		{"x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseTimeout(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

// slowReader hands out frames one at a time and blocks until released, so
// a test can observe that calls run while the server keeps reading.
type slowReader struct {
	frames chan string
	buf    []byte
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		f, ok := <-r.frames
		if !ok {
			return 0, io.EOF
		}
		r.buf = []byte(f + "\n")
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "\n")
}

func TestServer_ToolCallsOverlap(t *testing.T) {
	srv := NewServer(&fakeExecutor{})
	in := &slowReader{frames: make(chan string)}
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), in, out) }()

	start := time.Now()
	for i := 1; i <= 4; i++ {
		in.frames <- `{"jsonrpc":"2.0","id":` + string(rune('0'+i)) +
			`,"method":"tools/call","params":{"name":"execute_python","arguments":{"code":"sleep:200ms"}}}`
	}
	close(in.frames)
	require.NoError(t, <-done)

	assert.Equal(t, 4, out.Lines())
	assert.Less(t, time.Since(start), 700*time.Millisecond)
	assert.Equal(t, int64(4), srv.Stats().Calls)
	assert.Zero(t, srv.Stats().InFlight)
}

func TestServer_ReturnsWhenContextDone(t *testing.T) {
	srv := NewServer(&fakeExecutor{})
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, pr, out) }()

	_, err := io.WriteString(pw, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"execute_python","arguments":{"code":"sleep:10s"}}}`+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	// The reader stays blocked: nothing more is written and pw stays open.
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept running after its context was cancelled")
	}
	assert.Contains(t, out.String(), "cancelled")
	assert.Zero(t, srv.Stats().InFlight)
}

func TestServer_CancelledNotificationStopsCall(t *testing.T) {
	exec := &fakeExecutor{}
	srv := NewServer(exec)
	in := &slowReader{frames: make(chan string)}
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), in, out) }()

	start := time.Now()
	in.frames <- `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"execute_python","arguments":{"code":"sleep:10s"}}}`
	in.frames <- `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"execute_python","arguments":{"code":"print(1)"}}}`
	require.Eventually(t, func() bool { return out.Lines() == 1 }, time.Second, 5*time.Millisecond)

	// Unknown and malformed cancellations are ignored.
	in.frames <- `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":99}}`
	in.frames <- `{"jsonrpc":"2.0","method":"notifications/cancelled","params":"nope"}`
	in.frames <- `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7,"reason":"client deadline"}}`
	require.Eventually(t, func() bool { return out.Lines() == 2 }, time.Second, 5*time.Millisecond)
	close(in.frames)
	require.NoError(t, <-done)

	assert.Less(t, time.Since(start), 2*time.Second)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var resp struct {
		ID     int            `json:"id"`
		Result CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resp))
	assert.Equal(t, 7, resp.ID)
	require.Len(t, resp.Result.Content, 1)
	assert.Contains(t, resp.Result.Content[0].Text, "cancelled")
}
