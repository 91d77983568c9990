package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Planning tools let the model maintain the agent's todo list. They are
// registered on every agent by default and run under the state lease
// (EffectState), so concurrent planning calls within a batch serialize.

const writeTodosSchema = `{
	"type": "object",
	"properties": {
		"todos": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"content": {"type": "string", "minLength": 1},
					"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "cancelled"]}
				},
				"required": ["content"],
				"additionalProperties": false
			}
		},
		"merge": {"type": "boolean"}
	},
	"required": ["todos"],
	"additionalProperties": false
}`

const updateTodoStatusSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"status": {"type": "string", "enum": ["in_progress", "completed", "cancelled"]}
	},
	"required": ["id", "status"],
	"additionalProperties": false
}`

// planningTools returns the write_todos / read_todos / update_todo_status
// descriptors.
func planningTools() []ToolDescriptor {
	return []ToolDescriptor{
		{
			Name: "write_todos",
			Description: "Replace the todo list with the given items. " +
				"Set merge to true to append to the existing list instead. " +
				"At most one item may be in_progress at a time.",
			InputSchema: json.RawMessage(writeTodosSchema),
			Effect:      EffectState,
			Handler:     writeTodosHandler,
		},
		{
			Name:        "read_todos",
			Description: "Read the current todo list with ids and statuses.",
			InputSchema: json.RawMessage(`{"type":"object","additionalProperties":false}`),
			Effect:      EffectState,
			Handler:     readTodosHandler,
		},
		{
			Name: "update_todo_status",
			Description: "Move one todo to a new status. Valid moves: " +
				"pending to in_progress or cancelled, in_progress to completed or cancelled.",
			InputSchema: json.RawMessage(updateTodoStatusSchema),
			Effect:      EffectState,
			Handler:     updateTodoStatusHandler,
		},
	}
}

func writeTodosHandler(_ context.Context, tctx *ToolContext, input json.RawMessage) (string, error) {
	var params struct {
		Todos []Todo `json:"todos"`
		Merge bool   `json:"merge"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", err
	}
	var err error
	if params.Merge {
		err = tctx.State.MergeTodos(params.Todos)
	} else {
		err = tctx.State.SetTodos(params.Todos)
	}
	if err != nil {
		return "", err
	}
	return "Updated todo list.\n" + todoSummary(tctx.State.Todos()), nil
}

func readTodosHandler(_ context.Context, tctx *ToolContext, _ json.RawMessage) (string, error) {
	todos := tctx.State.Todos()
	if len(todos) == 0 {
		return "The todo list is empty.", nil
	}
	var b strings.Builder
	for _, t := range todos {
		fmt.Fprintf(&b, "- [%s] %s (id: %s)\n", t.Status, t.Content, t.ID)
	}
	b.WriteString(todoSummary(todos))
	return b.String(), nil
}

func updateTodoStatusHandler(_ context.Context, tctx *ToolContext, input json.RawMessage) (string, error) {
	var params struct {
		ID     string     `json:"id"`
		Status TodoStatus `json:"status"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", err
	}
	if err := tctx.State.UpdateTodoStatus(params.ID, params.Status); err != nil {
		return "", err
	}
	return fmt.Sprintf("Todo %s is now %s.\n%s", params.ID, params.Status, todoSummary(tctx.State.Todos())), nil
}

// todoSummary renders the status counts the model uses to track progress.
func todoSummary(todos []Todo) string {
	var pending, inProgress, completed, cancelled int
	for _, t := range todos {
		switch t.Status {
		case TodoPending:
			pending++
		case TodoInProgress:
			inProgress++
		case TodoCompleted:
			completed++
		case TodoCancelled:
			cancelled++
		}
	}
	return fmt.Sprintf("Total: %d (Pending: %d, In Progress: %d, Completed: %d, Cancelled: %d)",
		len(todos), pending, inProgress, completed, cancelled)
}
