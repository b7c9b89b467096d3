package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"codebridge/internal/logging"
)

// StdioTransport implements MCPTransport by spawning the executor server as
// a child process and speaking newline-delimited JSON-RPC on its stdin and
// stdout. The child's stderr is forwarded to the protocol log.
type StdioTransport struct {
	stream

	lifeMu  sync.Mutex
	command string
	args    []string
	env     []string
	cmd     *exec.Cmd
	waitErr chan error
	wg      sync.WaitGroup
}

// NewStdioTransport creates a transport for a whitespace-separated command
// line.
func NewStdioTransport(endpoint string) *StdioTransport {
	parts := strings.Fields(endpoint)
	var cmd string
	var args []string
	if len(parts) > 0 {
		cmd = parts[0]
		args = parts[1:]
	}
	return NewStdioTransportCommand(cmd, args...)
}

// NewStdioTransportCommand creates a transport for an explicit argv.
func NewStdioTransportCommand(command string, args ...string) *StdioTransport {
	return &StdioTransport{command: command, args: args}
}

// SetEnv sets extra environment entries for the child (KEY=VALUE).
func (t *StdioTransport) SetEnv(env ...string) {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	t.env = append([]string(nil), env...)
}

// Connect starts the subprocess and the reader loop.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.cmd != nil {
		return nil
	}
	if t.command == "" {
		return fmt.Errorf("empty command for stdio transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Not tied to ctx: the child lives until Disconnect.
	cmd := exec.Command(t.command, t.args...)
	if len(t.env) > 0 {
		cmd.Env = append(cmd.Environ(), t.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command %s: %w", t.command, err)
	}
	logging.Protocol("Started MCP server %s (pid %d)", t.command, cmd.Process.Pid)

	t.cmd = cmd
	t.waitErr = make(chan error, 1)

	t.wg.Add(1)
	go t.readStderr(stderr)

	t.attach(NewLineConn(stdout, stdin, stdin))
	client, _ := t.current()

	go func() {
		// Both pipes must be drained before Wait closes them.
		t.wg.Wait()
		<-client.done
		t.waitErr <- cmd.Wait()
	}()
	return nil
}

// Disconnect closes the child's stdin, gives it a moment to exit on EOF,
// then kills it.
func (t *StdioTransport) Disconnect() error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.cmd = nil

	s, _ := t.current()
	if s != nil {
		// Closing stdin lets a well-behaved server drain and exit.
		_ = s.conn.Close()
	}

	var err error
	select {
	case err = <-t.waitErr:
	case <-time.After(2 * time.Second):
		logging.ProtocolWarn("MCP server did not exit on EOF, killing pid %d", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		err = <-t.waitErr
	}
	_ = t.detach(time.Second)

	logging.Protocol("MCP stdio transport disconnected")
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && !exitErr.Exited() {
			// Killed by us.
			return nil
		}
		return err
	}
	return nil
}

// readStderr forwards the child's stderr lines to the log.
func (t *StdioTransport) readStderr(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.ProtocolDebug("[server] %s", scanner.Text())
	}
}

// Ensure StdioTransport implements MCPTransport.
var _ MCPTransport = (*StdioTransport)(nil)
