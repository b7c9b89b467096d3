package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func nop(ctx context.Context, args map[string]any) (string, error) { return "", nil }

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	if reg == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if reg.Count() != 0 {
		t.Errorf("new registry should be empty, got %d tools", reg.Count())
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	tool := &Tool{
		Name:        "test_tool",
		Description: "A test tool",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "success", nil
		},
	}

	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got := reg.Get("test_tool")
	if got == nil {
		t.Fatal("Get returned nil for registered tool")
	}
	if got.Priority != 50 {
		t.Errorf("default priority = %d, want 50", got.Priority)
	}
	if got.Category != CategoryGeneral {
		t.Errorf("default category = %q, want %q", got.Category, CategoryGeneral)
	}
	if !reg.Has("test_tool") || reg.Has("other") {
		t.Error("Has reports wrong membership")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()

	tool := &Tool{Name: "dupe", Execute: nop}

	if err := reg.Register(tool); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := reg.Register(tool)
	if !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Fatalf("duplicate Register err = %v, want ErrToolAlreadyRegistered", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name    string
		tool    *Tool
		wantErr error
	}{
		{
			name:    "empty name",
			tool:    &Tool{Name: "", Execute: nop},
			wantErr: ErrToolNameEmpty,
		},
		{
			name:    "nil execute",
			tool:    &Tool{Name: "test", Execute: nil},
			wantErr: ErrToolExecuteNil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.tool)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Tool{Name: "a", Category: CategoryExecution, Execute: nop})
	reg.MustRegister(&Tool{Name: "b", Category: CategoryExecution, Execute: nop})

	if !reg.Unregister("a") {
		t.Fatal("Unregister(a) = false")
	}
	if reg.Unregister("a") {
		t.Error("second Unregister(a) = true")
	}
	if got := reg.GetByCategory(CategoryExecution); len(got) != 1 || got[0].Name != "b" {
		t.Errorf("category after unregister = %v", got)
	}
}

func TestGetByCategory(t *testing.T) {
	reg := NewRegistry()

	tools := []*Tool{
		{Name: "python", Category: CategoryExecution, Priority: 80, Execute: nop},
		{Name: "shell", Category: CategoryExecution, Priority: 60, Execute: nop},
		{Name: "echo", Category: CategoryGeneral, Priority: 50, Execute: nop},
	}

	for _, tool := range tools {
		reg.MustRegister(tool)
	}

	exec := reg.GetByCategory(CategoryExecution)
	if len(exec) != 2 {
		t.Fatalf("expected 2 execution tools, got %d", len(exec))
	}

	// Should be sorted by priority (highest first)
	if exec[0].Name != "python" {
		t.Errorf("expected python first (priority 80), got %s", exec[0].Name)
	}

	names := reg.Names()
	if len(names) != 3 || names[0] != "echo" || names[2] != "shell" {
		t.Errorf("Names() = %v", names)
	}
	if all := reg.All(); all[1].Name != "python" {
		t.Errorf("All() not sorted by name: %s", all[1].Name)
	}
}

func TestExecute(t *testing.T) {
	reg := NewRegistry()

	tool := &Tool{
		Name: "echo",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			msg, _ := args["message"].(string)
			return "Echo: " + msg, nil
		},
		Schema: ToolSchema{
			Required: []string{"message"},
			Properties: map[string]Property{
				"message": {Type: "string"},
				"repeat":  {Type: "number"},
			},
		},
	}

	reg.MustRegister(tool)

	result, err := reg.Execute(context.Background(), "echo", map[string]any{"message": "hello", "repeat": 2.0})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Result != "Echo: hello" {
		t.Errorf("got result %q, want %q", result.Result, "Echo: hello")
	}
	if !result.IsSuccess() {
		t.Error("expected IsSuccess to be true")
	}

	result, err = reg.Execute(context.Background(), "echo", map[string]any{})
	if !errors.Is(err, ErrMissingRequiredArg) {
		t.Errorf("missing arg err = %v", err)
	}
	if result == nil || result.IsSuccess() {
		t.Error("missing arg should return a failed ToolResult")
	}

	_, err = reg.Execute(context.Background(), "echo", map[string]any{"message": 42})
	if !errors.Is(err, ErrInvalidArgType) {
		t.Errorf("wrong type err = %v", err)
	}

	_, err = reg.Execute(context.Background(), "echo", map[string]any{"message": "x", "repeat": "twice"})
	if !errors.Is(err, ErrInvalidArgType) {
		t.Errorf("wrong number type err = %v", err)
	}

	_, err = reg.Execute(context.Background(), "nonexistent", map[string]any{})
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("nonexistent err = %v", err)
	}
}

func TestParseSchema(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"cmd": {"type": "string", "description": "Shell command to run."},
			"timeout": {"type": "number", "default": 15}
		},
		"required": ["cmd"]
	}`)

	s, err := ParseSchema(raw)
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	if s.Type != "object" || len(s.Required) != 1 || s.Required[0] != "cmd" {
		t.Errorf("unexpected schema %+v", s)
	}
	if s.Properties["timeout"].Default != 15.0 {
		t.Errorf("timeout default = %v", s.Properties["timeout"].Default)
	}

	again, err := ParseSchema(s.JSON())
	if err != nil {
		t.Fatalf("ParseSchema(JSON()): %v", err)
	}
	if again.Properties["cmd"].Description != "Shell command to run." {
		t.Errorf("description lost on re-encode: %+v", again)
	}

	if _, err := ParseSchema(json.RawMessage(`{"required":["x"],"properties":{}}`)); !errors.Is(err, ErrInvalidSchema) {
		t.Errorf("dangling required err = %v", err)
	}
	if _, err := ParseSchema(json.RawMessage(`nope`)); !errors.Is(err, ErrInvalidSchema) {
		t.Errorf("bad JSON err = %v", err)
	}
}
