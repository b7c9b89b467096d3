package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codebridge/internal/tactile"
)

// Version is reported in serverInfo and clientInfo.
const Version = "1.0.0"

// ServerName is reported in serverInfo.
const ServerName = "codebridge-executor"

// Tool names advertised by the executor. Front ends and the adapter refer to
// these constants rather than repeating the strings.
const (
	ToolExecutePython = "execute_python"
	ToolExecuteShell  = "execute_shell"
)

// Operation is one catalog entry: the advertised descriptor plus how the
// server maps a call onto an executor request.
type Operation struct {
	Name           string
	Description    string
	Mode           tactile.Mode
	Arg            string // name of the required text argument
	ArgDescription string
	DefaultTimeout time.Duration
}

var operations = []Operation{
	{
		Name: ToolExecutePython,
		Description: "Execute arbitrary Python 3 code in an isolated subprocess. " +
			"stdout + stderr are captured and returned. " +
			"The subprocess is killed after `timeout` seconds (default 30).",
		Mode:           tactile.ModeScript,
		Arg:            "code",
		ArgDescription: "Python source code to execute.",
		DefaultTimeout: tactile.DefaultScriptTimeout,
	},
	{
		Name: ToolExecuteShell,
		Description: "Run a shell command. stdout + stderr returned. " +
			"Killed after `timeout` seconds (default 15). " +
			"Dangerous commands (rm -rf /, :(){ ...) are blocked.",
		Mode:           tactile.ModeShell,
		Arg:            "cmd",
		ArgDescription: "Shell command to run.",
		DefaultTimeout: tactile.DefaultShellTimeout,
	},
}

// Operations returns a copy of the catalog entries in advertised order.
func Operations() []Operation {
	return append([]Operation(nil), operations...)
}

// LookupOperation finds a catalog entry by tool name.
func LookupOperation(name string) (Operation, bool) {
	for _, op := range operations {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}

// Schema returns the operation's JSON input schema.
func (op Operation) Schema() json.RawMessage {
	defaultSecs := op.DefaultTimeout.Seconds()
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			op.Arg: map[string]interface{}{
				"type":        "string",
				"description": op.ArgDescription,
			},
			"timeout": map[string]interface{}{
				"type":        "number",
				"description": fmt.Sprintf("Max seconds to run (default %g).", defaultSecs),
				"default":     defaultSecs,
			},
		},
		"required": []string{op.Arg},
	}
	data, _ := json.Marshal(schema)
	return data
}

// Descriptor returns the tools/list form of the operation.
func (op Operation) Descriptor() MCPToolSchema {
	return MCPToolSchema{
		Name:        op.Name,
		Description: op.Description,
		InputSchema: op.Schema(),
	}
}

// Catalog returns the descriptors the executor advertises. Each call builds
// fresh values, so callers cannot mutate the shared catalog.
func Catalog() []MCPToolSchema {
	out := make([]MCPToolSchema, len(operations))
	for i, op := range operations {
		out[i] = op.Descriptor()
	}
	return out
}

// ValidateCatalog checks that every operation the bridge depends on is
// present in advertised. The returned error wraps ErrCatalogIncomplete and
// names the missing tools.
func ValidateCatalog(advertised []MCPToolSchema) error {
	have := make(map[string]bool, len(advertised))
	for _, t := range advertised {
		have[t.Name] = true
	}
	var missing []string
	for _, op := range operations {
		if !have[op.Name] {
			missing = append(missing, op.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: server missing %s", ErrCatalogIncomplete, strings.Join(missing, ", "))
	}
	return nil
}
