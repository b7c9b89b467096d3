package tactile

import (
	"context"
	"os/exec"
)

// Executor is the interface for request execution.
type Executor interface {
	// Execute runs a request. Execution-layer failures are reported in the
	// result; the error is reserved for malformed requests.
	Execute(ctx context.Context, req Request) (*ExecutionResult, error)

	// Capabilities returns what this executor supports.
	Capabilities() ExecutorCapabilities
}

// AuditedExecutor is an executor that emits audit events.
type AuditedExecutor interface {
	Executor

	// SetAuditCallback sets the callback for audit events.
	SetAuditCallback(callback func(AuditEvent))
}

// CommandFactory creates the *exec.Cmd for a process. Replaced in tests to
// observe or forbid process creation.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd
