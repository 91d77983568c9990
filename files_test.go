package fathom

import (
	"strings"
	"testing"
)

func fileTestContext(t *testing.T) (*Registry, *ToolContext) {
	t.Helper()
	r := NewRegistry()
	if err := r.RegisterAll(fileTools()...); err != nil {
		t.Fatal(err)
	}
	return r, &ToolContext{State: NewState(), Turn: 3, Logger: nopLogger}
}

func TestWriteAndReadFileTools(t *testing.T) {
	r, tctx := fileTestContext(t)

	out, err := runTool(t, r, tctx, "write_file", `{"path":"notes.md","content":"hello"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "notes.md") {
		t.Fatalf("confirmation missing path: %q", out)
	}
	if f, _ := tctx.State.ReadFile("notes.md"); f.Turn != 3 {
		t.Fatalf("turn stamp = %d, want 3", f.Turn)
	}

	out, err = runTool(t, r, tctx, "read_file", `{"path":"notes.md"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Fatalf("read_file = %q", out)
	}

	if _, err := runTool(t, r, tctx, "read_file", `{"path":"missing.md"}`); err == nil {
		t.Fatal("expected error reading a missing file")
	}
}

func TestListFilesTool(t *testing.T) {
	r, tctx := fileTestContext(t)
	for _, p := range []string{"b.md", "a.md", "sub/c.md"} {
		if _, err := runTool(t, r, tctx, "write_file", `{"path":"`+p+`","content":"x"}`); err != nil {
			t.Fatal(err)
		}
	}

	out, err := runTool(t, r, tctx, "list_files", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "a.md\nb.md\nsub/c.md" {
		t.Fatalf("list_files = %q, want sorted listing", out)
	}

	out, err = runTool(t, r, tctx, "list_files", `{"prefix":"sub/"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "sub/c.md" {
		t.Fatalf("prefixed list = %q", out)
	}

	out, err = runTool(t, r, tctx, "list_files", `{"prefix":"zzz"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No files") {
		t.Fatalf("empty listing = %q", out)
	}
}

func TestFileToolSchemas(t *testing.T) {
	r, tctx := fileTestContext(t)
	if _, err := runTool(t, r, tctx, "write_file", `{"path":"","content":"x"}`); err == nil {
		t.Fatal("expected schema error for empty path")
	}
	if _, err := runTool(t, r, tctx, "write_file", `{"path":"a.md"}`); err == nil {
		t.Fatal("expected schema error for missing content")
	}
}
