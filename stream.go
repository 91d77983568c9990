package fathom

import "encoding/json"

// EventType identifies the kind of streaming event.
type EventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	// Only emitted when the model client supports streaming.
	EventTextDelta EventType = "text-delta"
	// EventAssistantText carries a whole assistant text block once the
	// step's response is assembled.
	EventAssistantText EventType = "assistant-text"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart EventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult EventType = "tool-call-result"
	// EventSubAgentStart signals a task delegation to a sub-agent.
	EventSubAgentStart EventType = "subagent-start"
	// EventSubAgentFinish signals a sub-agent run has completed.
	EventSubAgentFinish EventType = "subagent-finish"
)

// Event is a typed event emitted during InvokeStream. Consumers receive
// these on the channel passed to InvokeStream; the channel is closed when
// the turn ends.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// Name is the tool or sub-agent name (empty for text events).
	Name string `json:"name,omitempty"`
	// ID is the tool-use id (tool events only).
	ID string `json:"id,omitempty"`
	// Content carries the text delta, tool result, or sub-agent output.
	Content string `json:"content,omitempty"`
	// Args carries the tool call input (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// IsError marks an error tool result.
	IsError bool `json:"is_error,omitempty"`
}
