// Package tactile is the execution layer of codebridge. It owns every OS
// process the system creates: Python scripts and shell commands each run in a
// fresh subprocess with captured output and a hard wall-clock timeout.
//
// Design Principles:
//   - One request, one process: no interpreter state survives a call
//   - Failures are data: timeouts, launch errors and blocked commands come back
//     as an ExecutionResult with exit_code -1, never as a Go error
//   - Process groups: a timeout kills the whole tree, not just the leader
//   - Audit trail: start/complete/killed/error/blocked events for observers
package tactile

import (
	"math"
	"strings"
	"time"
)

// Mode selects how a request's text is executed.
type Mode string

const (
	// ModeScript runs the text as a Python program: <python> -c <code>.
	ModeScript Mode = "script"
	// ModeShell runs the text through the shell: <shell> -c <cmd>.
	ModeShell Mode = "shell"
)

// Default timeouts per mode when a request carries none.
const (
	DefaultScriptTimeout = 30 * time.Second
	DefaultShellTimeout  = 15 * time.Second
)

// Request is a single execution request. Immutable once issued.
type Request struct {
	// Code is the Python source (script mode) or command line (shell mode).
	Code string `json:"code"`

	Mode Mode `json:"mode"`

	// Timeout is the wall-clock limit. Zero means the mode default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RequestID correlates audit events and logs. Generated if empty.
	RequestID string `json:"request_id,omitempty"`

	// SessionID links this execution to a logical session (for audit).
	SessionID string `json:"session_id,omitempty"`
}

// Command is the concrete process invocation derived from a Request.
type Command struct {
	Binary           string        `json:"binary"`
	Arguments        []string      `json:"arguments"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	Environment      []string      `json:"environment,omitempty"`
	Timeout          time.Duration `json:"timeout"`
	Mode             Mode          `json:"mode"`
	SessionID        string        `json:"session_id,omitempty"`
	RequestID        string        `json:"request_id,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ExecutionResult is the outcome of one execution, and the wire shape every
// front end returns. exit_code == 0 is the only success signal; Error is set
// only for infrastructure failures.
type ExecutionResult struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	ExitCode int     `json:"exit_code"`
	ElapsedS float64 `json:"elapsed_s"`
	Error    string  `json:"error,omitempty"`

	// Set by the retry controller.
	Attempts  int    `json:"attempts,omitempty"`
	FinalCode string `json:"final_code,omitempty"`

	// Local bookkeeping, never serialized.
	Killed         bool           `json:"-"`
	Truncated      bool           `json:"-"`
	TruncatedBytes int64          `json:"-"`
	Duration       time.Duration  `json:"-"`
	ResourceUsage  *ResourceUsage `json:"-"`
}

// Succeeded reports whether the execution exited zero.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && r.Error == ""
}

// IsInfrastructureError reports a failure that happened around the process
// rather than inside it (timeout, launch failure, blocked command, transport).
func (r *ExecutionResult) IsInfrastructureError() bool {
	return r.Error != ""
}

// Diagnostics returns the text the repair table inspects: stderr, falling
// back to the infrastructure error.
func (r *ExecutionResult) Diagnostics() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Error
}

// FailureResult builds an infrastructure-failure result.
func FailureResult(msg string) *ExecutionResult {
	return &ExecutionResult{ExitCode: -1, Error: msg}
}

// Seconds rounds a duration to the 4 decimal places used on the wire.
func Seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e4) / 1e4
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`
	MaxRSSBytes  int64 `json:"max_rss_bytes"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// ExecutorCapabilities describes what an executor can do.
type ExecutorCapabilities struct {
	Name           string        `json:"name"`
	Platform       string        `json:"platform"`
	Python         string        `json:"python"`
	Shell          string        `json:"shell"`
	MaxTimeout     time.Duration `json:"max_timeout"`
	MaxConcurrency int           `json:"max_concurrency"`
	Denylist       []string      `json:"denylist"`
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
	AuditEventBlocked  AuditEventType = "blocked"
)

// AuditEvent represents an execution event.
type AuditEvent struct {
	Type         AuditEventType   `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	Command      Command          `json:"command"`
	Result       *ExecutionResult `json:"result,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
	RequestID    string           `json:"request_id,omitempty"`
	ExecutorName string           `json:"executor_name"`

	// BlockReason names the denylist pattern (for blocked events).
	BlockReason string `json:"block_reason,omitempty"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	Python string `json:"python"`
	Shell  string `json:"shell"`

	// DefaultWorkingDir is used for every process; empty inherits ours.
	DefaultWorkingDir string `json:"default_working_dir"`

	ScriptTimeout time.Duration `json:"script_timeout"`
	ShellTimeout  time.Duration `json:"shell_timeout"`

	// MaxTimeout caps all timeout values.
	MaxTimeout time.Duration `json:"max_timeout"`

	// AllowedEnvironment lists environment variables to pass through.
	AllowedEnvironment []string `json:"allowed_environment"`

	// MaxOutputBytes caps capture per stream.
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// MaxConcurrency bounds simultaneous subprocesses; 0 means unlimited.
	MaxConcurrency int `json:"max_concurrency"`

	Denylist Denylist `json:"denylist"`

	// KillGrace is how long Wait may block on inherited pipes after the
	// process group was killed.
	KillGrace time.Duration `json:"kill_grace"`

	EnableResourceUsage bool `json:"enable_resource_usage"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Python:              "python3",
		Shell:               "/bin/sh",
		ScriptTimeout:       DefaultScriptTimeout,
		ShellTimeout:        DefaultShellTimeout,
		MaxTimeout:          10 * time.Minute,
		MaxOutputBytes:      1024 * 1024,
		AllowedEnvironment:  []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "VIRTUAL_ENV", "PYTHONPATH"},
		Denylist:            DefaultDenylist(),
		KillGrace:           2 * time.Second,
		EnableResourceUsage: true,
	}
}

// ResolveTimeout applies the mode default and the ceiling.
func (c ExecutorConfig) ResolveTimeout(mode Mode, requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		if mode == ModeShell {
			timeout = c.ShellTimeout
		} else {
			timeout = c.ScriptTimeout
		}
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if c.MaxTimeout > 0 && timeout > c.MaxTimeout {
		timeout = c.MaxTimeout
	}
	return timeout
}
