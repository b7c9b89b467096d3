// Package codeexec exposes the bridge's two operations as blocking tools
// for agent frameworks that expect plain functions with primitive
// parameters and one string result.
package codeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"codebridge/internal/bridge"
	"codebridge/internal/logging"
	"codebridge/internal/mcp"
	"codebridge/internal/tactile"
	"codebridge/internal/tools"
)

// Controller is the part of *bridge.Bridge the adapter drives.
type Controller interface {
	ExecutePython(ctx context.Context, code string, opts ...bridge.CallOption) *tactile.ExecutionResult
	ExecuteShell(ctx context.Context, cmd string, opts ...bridge.CallOption) *tactile.ExecutionResult
	Tools() []mcp.MCPToolSchema
}

// Adapter owns a long-lived context for every call it runs. Callers
// neither pass contexts nor manage goroutines; Close cancels whatever is
// still running.
type Adapter struct {
	ctrl   Controller
	ctx    context.Context
	cancel context.CancelFunc
	owned  *bridge.Bridge

	mu     sync.RWMutex
	closed bool
}

// New wraps ctrl after checking that what the server advertised matches
// the local catalog one to one.
func New(ctrl Controller) (*Adapter, error) {
	if err := checkCatalog(ctrl.Tools()); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{ctrl: ctrl, ctx: ctx, cancel: cancel}, nil
}

// Open builds a bridge over tc and wraps it. The adapter closes the bridge
// on Close.
func Open(ctx context.Context, tc mcp.TransportConfig, opts ...bridge.Option) (*Adapter, error) {
	b, err := bridge.Open(ctx, tc, opts...)
	if err != nil {
		return nil, err
	}
	a, err := New(b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	a.owned = b
	return a, nil
}

func checkCatalog(advertised []mcp.MCPToolSchema) error {
	if err := mcp.ValidateCatalog(advertised); err != nil {
		return err
	}
	byName := make(map[string]mcp.MCPToolSchema, len(advertised))
	for _, t := range advertised {
		byName[t.Name] = t
	}
	for _, want := range mcp.Catalog() {
		if got := byName[want.Name]; got.Description != want.Description {
			return fmt.Errorf("%w: %s description differs from the local catalog", mcp.ErrCatalogIncomplete, want.Name)
		}
	}
	return nil
}

// RunPython runs code through the self-correcting loop and returns the
// result as indented JSON. A non-positive timeout means the default.
func (a *Adapter) RunPython(code string, timeout float64) string {
	return a.run(mcp.ToolExecutePython, code, timeout)
}

// RunShell runs one shell command and returns the result as indented JSON.
func (a *Adapter) RunShell(cmd string, timeout float64) string {
	return a.run(mcp.ToolExecuteShell, cmd, timeout)
}

func (a *Adapter) run(tool, text string, timeout float64) string {
	return encode(a.execute(tool, text, timeout))
}

func (a *Adapter) execute(tool, text string, timeout float64) *tactile.ExecutionResult {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return tactile.FailureResult("code execution adapter is closed")
	}

	opts := []bridge.CallOption{bridge.WithTimeout(seconds(timeout))}
	logging.AdapterDebug("%s (timeout=%gs)", tool, timeout)

	switch tool {
	case mcp.ToolExecutePython:
		return a.ctrl.ExecutePython(a.ctx, text, opts...)
	case mcp.ToolExecuteShell:
		return a.ctrl.ExecuteShell(a.ctx, text, opts...)
	}
	return tactile.FailureResult("Unknown tool: " + tool)
}

// Tools returns one registry entry per catalog operation. Name,
// description and schema are taken from the catalog itself.
func (a *Adapter) Tools() []*tools.Tool {
	var out []*tools.Tool
	for _, desc := range mcp.Catalog() {
		op, _ := mcp.LookupOperation(desc.Name)
		schema, err := tools.ParseSchema(desc.InputSchema)
		if err != nil {
			// the catalog is static; a bad schema is a build defect
			panic(err)
		}
		out = append(out, &tools.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			Category:    tools.CategoryExecution,
			Schema:      schema,
			Execute:     a.executeFunc(op),
		})
	}
	return out
}

func (a *Adapter) executeFunc(op mcp.Operation) tools.ExecuteFunc {
	return func(_ context.Context, args map[string]any) (string, error) {
		text, ok := args[op.Arg].(string)
		if !ok {
			return "", fmt.Errorf("%w: %s", tools.ErrMissingRequiredArg, op.Arg)
		}
		timeout, err := timeoutArg(args["timeout"])
		if err != nil {
			return "", err
		}
		return a.run(op.Name, text, timeout), nil
	}
}

// Register adds the adapter's tools to reg.
func (a *Adapter) Register(reg *tools.Registry) error {
	for _, t := range a.Tools() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	logging.Adapter("Registered %d code execution tools", len(mcp.Catalog()))
	return nil
}

// Close cancels in-flight calls and, if the adapter opened its own bridge,
// closes it.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	if a.owned != nil {
		return a.owned.Close()
	}
	return nil
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

func timeoutArg(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("%w: timeout must be a number, got %T", tools.ErrInvalidArgType, v)
}

func encode(r *tactile.ExecutionResult) string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		data, _ = json.MarshalIndent(tactile.FailureResult(err.Error()), "", "  ")
	}
	return string(data)
}
