// Package tools holds the generic tool registry that agent frameworks
// consume: named, described, schema-carrying functions with a single
// string result.
//
// Architecture:
//
//	Adapter.Tools() → Registry.Register() → Registry.Execute() → Tool.Execute()
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolCategory groups tools for listing.
type ToolCategory string

const (
	// CategoryExecution covers tools that run code or commands.
	CategoryExecution ToolCategory = "/execution"

	// CategoryGeneral is for everything else.
	CategoryGeneral ToolCategory = "/general"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	Type string `json:"type,omitempty"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`

	// Required lists parameters that must be provided.
	Required []string `json:"required"`
}

// ParseSchema decodes a JSON schema document such as an MCP inputSchema.
func ParseSchema(raw json.RawMessage) (ToolSchema, error) {
	var s ToolSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return ToolSchema{}, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return ToolSchema{}, fmt.Errorf("%w: required %q has no property", ErrInvalidSchema, name)
		}
	}
	return s, nil
}

// JSON encodes the schema.
func (s ToolSchema) JSON() json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// ExecuteFunc is the signature for tool execution.
// Returns the result string and any error.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable entry in a Registry.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description is shown to whatever introspects the catalog.
	Description string

	Category ToolCategory

	// Execute runs the tool with the given arguments.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema ToolSchema

	// Priority orders tools within a category, higher first (default 50).
	Priority int
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// WithPriority returns a copy of the tool with the given priority.
func (t *Tool) WithPriority(priority int) *Tool {
	copy := *t
	copy.Priority = priority
	return &copy
}

// ToolResult wraps the result of tool execution with metadata.
type ToolResult struct {
	// ToolName identifies which tool was executed.
	ToolName string

	// Result is the string output from the tool.
	Result string

	// Error is set if the tool failed.
	Error error

	// DurationMs is how long execution took.
	DurationMs int64
}

// IsSuccess returns true if the tool executed without error.
func (r *ToolResult) IsSuccess() bool {
	return r.Error == nil
}
