package fathom

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func planningTestContext(t *testing.T) (*Registry, *ToolContext) {
	t.Helper()
	r := NewRegistry()
	if err := r.RegisterAll(planningTools()...); err != nil {
		t.Fatal(err)
	}
	return r, &ToolContext{State: NewState(), Turn: 1, Logger: nopLogger}
}

func runTool(t *testing.T, r *Registry, tctx *ToolContext, name, input string) (string, error) {
	t.Helper()
	tool, ok := r.Lookup(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	if err := tool.validate(json.RawMessage(input)); err != nil {
		return "", err
	}
	return tool.desc.Handler(context.Background(), tctx, json.RawMessage(input))
}

func TestWriteTodos(t *testing.T) {
	r, tctx := planningTestContext(t)

	out, err := runTool(t, r, tctx, "write_todos",
		`{"todos":[{"content":"research"},{"content":"draft","status":"in_progress"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Total: 2") || !strings.Contains(out, "In Progress: 1") {
		t.Fatalf("summary missing counts: %q", out)
	}

	// Replace semantics by default.
	if _, err := runTool(t, r, tctx, "write_todos", `{"todos":[{"content":"only one"}]}`); err != nil {
		t.Fatal(err)
	}
	if got := len(tctx.State.Todos()); got != 1 {
		t.Fatalf("replace left %d todos", got)
	}

	// Merge appends.
	if _, err := runTool(t, r, tctx, "write_todos", `{"todos":[{"content":"extra"}],"merge":true}`); err != nil {
		t.Fatal(err)
	}
	if got := len(tctx.State.Todos()); got != 2 {
		t.Fatalf("merge left %d todos", got)
	}
}

func TestWriteTodosRejectsTwoInProgress(t *testing.T) {
	r, tctx := planningTestContext(t)
	_, err := runTool(t, r, tctx, "write_todos",
		`{"todos":[{"content":"a","status":"in_progress"},{"content":"b","status":"in_progress"}]}`)
	if err == nil {
		t.Fatal("expected error for two in_progress todos")
	}
	if len(tctx.State.Todos()) != 0 {
		t.Fatal("failed write mutated state")
	}
}

func TestWriteTodosSchemaRejectsBadStatus(t *testing.T) {
	r, tctx := planningTestContext(t)
	if _, err := runTool(t, r, tctx, "write_todos",
		`{"todos":[{"content":"a","status":"doing"}]}`); err == nil {
		t.Fatal("expected schema validation error for unknown status")
	}
}

func TestReadTodos(t *testing.T) {
	r, tctx := planningTestContext(t)

	out, err := runTool(t, r, tctx, "read_todos", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "empty") {
		t.Fatalf("empty list message missing: %q", out)
	}

	if err := tctx.State.SetTodos([]Todo{{ID: "t1", Content: "research phase"}}); err != nil {
		t.Fatal(err)
	}
	out, err = runTool(t, r, tctx, "read_todos", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "research phase") || !strings.Contains(out, "t1") {
		t.Fatalf("listing missing content or id: %q", out)
	}
}

func TestUpdateTodoStatusTool(t *testing.T) {
	r, tctx := planningTestContext(t)
	if err := tctx.State.SetTodos([]Todo{{ID: "t1", Content: "a"}}); err != nil {
		t.Fatal(err)
	}

	if _, err := runTool(t, r, tctx, "update_todo_status", `{"id":"t1","status":"in_progress"}`); err != nil {
		t.Fatal(err)
	}
	if got := tctx.State.Todos()[0].Status; got != TodoInProgress {
		t.Fatalf("status = %s", got)
	}

	// Illegal transition surfaces as a handler error, not a panic.
	if _, err := runTool(t, r, tctx, "update_todo_status", `{"id":"t1","status":"in_progress"}`); err == nil {
		t.Fatal("expected error for in_progress -> in_progress")
	}
	if _, err := runTool(t, r, tctx, "update_todo_status", `{"id":"missing","status":"completed"}`); err == nil {
		t.Fatal("expected error for unknown id")
	}
	// Schema rejects moving back to pending outright.
	if _, err := runTool(t, r, tctx, "update_todo_status", `{"id":"t1","status":"pending"}`); err == nil {
		t.Fatal("expected schema error for status pending")
	}
}
