package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Virtual filesystem tools. Paths are opaque keys into the agent's state;
// nothing here ever touches the host filesystem, which is what makes the
// scratch space safe to expose to the model unconditionally.

const writeFileSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"}
	},
	"required": ["path", "content"],
	"additionalProperties": false
}`

const readFileSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string", "minLength": 1}
	},
	"required": ["path"],
	"additionalProperties": false
}`

const listFilesSchema = `{
	"type": "object",
	"properties": {
		"prefix": {"type": "string"}
	},
	"additionalProperties": false
}`

// fileTools returns the write_file / read_file / list_files descriptors.
func fileTools() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name: "write_file",
			Description: "Write content to a file in the agent's scratch space, " +
				"creating or overwriting it. Paths are plain keys, not host paths.",
			InputSchema: json.RawMessage(writeFileSchema),
			Effect:      EffectState,
			Handler:     writeFileHandler,
		},
		{
			Name:        "read_file",
			Description: "Read a file from the agent's scratch space.",
			InputSchema: json.RawMessage(readFileSchema),
			Effect:      EffectState,
			Handler:     readFileHandler,
		},
		{
			Name:        "list_files",
			Description: "List scratch-space file paths, optionally filtered by prefix.",
			InputSchema: json.RawMessage(listFilesSchema),
			Effect:      EffectState,
			Handler:     listFilesHandler,
		},
	}
}

func writeFileHandler(_ context.Context, tctx *ToolContext, input json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", err
	}
	if err := tctx.State.WriteFile(params.Path, params.Content, tctx.Turn); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s.", len(params.Content), params.Path), nil
}

func readFileHandler(_ context.Context, tctx *ToolContext, input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", err
	}
	f, ok := tctx.State.ReadFile(params.Path)
	if !ok {
		return "", fmt.Errorf("no file at %q", params.Path)
	}
	return f.Content, nil
}

func listFilesHandler(_ context.Context, tctx *ToolContext, input json.RawMessage) (string, error) {
	var params struct {
		Prefix string `json:"prefix"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", err
	}
	paths := tctx.State.ListFiles(params.Prefix)
	if len(paths) == 0 {
		return "No files found.", nil
	}
	return strings.Join(paths, "\n"), nil
}
