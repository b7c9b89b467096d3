package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"codebridge/internal/logging"
	"codebridge/internal/tactile/python"
)

// DirectExecutor runs every request in a fresh host subprocess.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)

	// newCommand builds the process; exec.CommandContext unless replaced
	newCommand CommandFactory

	// sem bounds concurrent subprocesses (nil = unlimited)
	sem *semaphore.Weighted
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	if len(config.Denylist) == 0 {
		config.Denylist = DefaultDenylist()
	}
	logging.ExecutorDebug("Creating DirectExecutor: python=%s shell=%s maxOutput=%d concurrency=%d",
		config.Python, config.Shell, config.MaxOutputBytes, config.MaxConcurrency)

	e := &DirectExecutor{
		config:     config,
		newCommand: exec.CommandContext,
	}
	if config.MaxConcurrency > 0 {
		e.sem = semaphore.NewWeighted(int64(config.MaxConcurrency))
	}
	return e
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

// SetCommandFactory replaces process construction.
func (e *DirectExecutor) SetCommandFactory(factory CommandFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if factory == nil {
		factory = exec.CommandContext
	}
	e.newCommand = factory
}

// emitAudit emits an audit event if a callback is registered.
func (e *DirectExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

func (e *DirectExecutor) audit(typ AuditEventType, cmd Command, result *ExecutionResult) {
	e.emitAudit(AuditEvent{
		Type:         typ,
		Timestamp:    time.Now(),
		Command:      cmd,
		Result:       result,
		SessionID:    cmd.SessionID,
		RequestID:    cmd.RequestID,
		ExecutorName: "direct",
	})
}

// Capabilities returns what this executor supports.
func (e *DirectExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:           "direct",
		Platform:       runtime.GOOS,
		Python:         e.config.Python,
		Shell:          e.config.Shell,
		MaxTimeout:     e.config.MaxTimeout,
		MaxConcurrency: e.config.MaxConcurrency,
		Denylist:       append([]string(nil), e.config.Denylist...),
	}
}

// Command translates a request into the process invocation it would run.
func (e *DirectExecutor) Command(req Request) (Command, error) {
	cmd := Command{
		WorkingDirectory: e.config.DefaultWorkingDir,
		Timeout:          e.config.ResolveTimeout(req.Mode, req.Timeout),
		Mode:             req.Mode,
		SessionID:        req.SessionID,
		RequestID:        req.RequestID,
	}
	switch req.Mode {
	case ModeScript:
		cmd.Binary = e.config.Python
		cmd.Arguments = []string{"-c", python.Dedent(req.Code)}
		cmd.Environment = []string{"PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8"}
	case ModeShell:
		cmd.Binary = e.config.Shell
		cmd.Arguments = []string{"-c", req.Code}
	default:
		return Command{}, fmt.Errorf("unknown execution mode %q", req.Mode)
	}
	if cmd.Binary == "" {
		return Command{}, fmt.Errorf("no binary configured for %s mode", req.Mode)
	}
	return cmd, nil
}

// Execute runs a request in a new subprocess.
func (e *DirectExecutor) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := logging.Get(logging.CategoryExecutor).WithRequestID(req.RequestID)

	cmd, err := e.Command(req)
	if err != nil {
		log.Warn("Rejected request: %v", err)
		return nil, err
	}

	if req.Mode == ModeShell {
		if pattern, blocked := e.config.Denylist.Match(req.Code); blocked {
			result := FailureResult(BlockedMessage(pattern))
			log.Warn("Blocked shell command (pattern %q)", pattern)
			e.emitAudit(AuditEvent{
				Type:         AuditEventBlocked,
				Timestamp:    time.Now(),
				Command:      cmd,
				Result:       result,
				SessionID:    cmd.SessionID,
				RequestID:    cmd.RequestID,
				ExecutorName: "direct",
				BlockReason:  pattern,
			})
			return result, nil
		}
	}

	// The timeout runs from arrival, so time queued for a slot counts
	// against it.
	deadline := time.Now().Add(cmd.Timeout)
	if e.sem != nil {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		err := e.sem.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			result := FailureResult(notStartedMessage(ctx, cmd.Timeout))
			log.Warn("Not started: %s", result.Error)
			e.audit(AuditEventError, cmd, result)
			return result, nil
		}
		defer e.sem.Release(1)
	}

	timer := logging.StartTimer(logging.CategoryExecutor, "subprocess "+string(req.Mode))
	defer timer.Stop()

	return e.run(ctx, cmd, deadline, log), nil
}

func notStartedMessage(ctx context.Context, timeout time.Duration) string {
	if err := ctx.Err(); err != nil {
		return fmt.Sprintf("execution not started: %v", err)
	}
	return fmt.Sprintf("execution not started: no execution slot free within %gs", timeout.Seconds())
}

func (e *DirectExecutor) run(ctx context.Context, cmd Command, deadline time.Time, log *logging.Logger) *ExecutionResult {
	e.mu.RLock()
	factory := e.newCommand
	e.mu.RUnlock()

	e.audit(AuditEventStart, cmd, nil)
	log.Debug("Executing %s (timeout=%s)", cmd.Binary, cmd.Timeout)

	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	execCmd := factory(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Environment)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = e.config.KillGrace

	maxOutput := e.config.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultExecutorConfig().MaxOutputBytes
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	start := time.Now()
	err := execCmd.Run()
	elapsed := time.Since(start)

	result := &ExecutionResult{
		ExitCode: -1,
		Duration: elapsed,
		ElapsedS: Seconds(elapsed),
	}

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		log.Warn("Output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	switch {
	case err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		// Partial output of a killed process is not trusted.
		result.Killed = true
		result.Duration = cmd.Timeout
		result.ElapsedS = Seconds(cmd.Timeout)
		result.Error = TimeoutMessage(cmd.Mode, cmd.Timeout.Seconds())
		log.Warn("Killed after %s: %s", cmd.Timeout, cmd.Binary)
		e.audit(AuditEventKilled, cmd, result)
		return result

	case err != nil && ctx.Err() != nil:
		result.Killed = true
		result.Error = fmt.Sprintf("Execution cancelled: %v", ctx.Err())
		log.Debug("Cancelled: %s", cmd.Binary)
		e.audit(AuditEventKilled, cmd, result)
		return result
	}

	result.Stdout = cleanOutput(stdoutBuf.Bytes())
	result.Stderr = cleanOutput(stderrBuf.Bytes())

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		log.Debug("Exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
	default:
		result.Error = err.Error()
		log.Error("Launch failed: %s - %v", cmd.Binary, err)
		e.audit(AuditEventError, cmd, result)
		return result
	}

	if e.config.EnableResourceUsage {
		result.ResourceUsage = getProcessResourceUsage(execCmd)
	}

	e.audit(AuditEventComplete, cmd, result)
	log.Debug("Completed: exit=%d elapsed=%.4fs stdout=%dB stderr=%dB",
		result.ExitCode, result.ElapsedS, len(result.Stdout), len(result.Stderr))
	return result
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(e.config.AllowedEnvironment)+len(cmdEnv))
	for _, key := range e.config.AllowedEnvironment {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return append(env, cmdEnv...)
}

// cleanOutput decodes captured bytes leniently and trims surrounding space.
func cleanOutput(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Original length avoids "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
