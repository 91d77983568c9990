package fathom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is one content block inside a Message. The concrete types are
// TextBlock, ToolUseBlock, and ToolResultBlock; nothing else implements it.
type Block interface {
	blockType() string
}

// TextBlock carries plain assistant or user text.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolUseBlock is a model-issued request to invoke a tool. ID is unique
// within the message and is echoed back by the matching ToolResultBlock.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock answers a ToolUseBlock. IsError marks the content as an
// error message the model should react to rather than a successful result.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (TextBlock) blockType() string       { return "text" }
func (ToolUseBlock) blockType() string    { return "tool_use" }
func (ToolResultBlock) blockType() string { return "tool_result" }

// Message is one turn entry in a transcript: a role plus an ordered list
// of content blocks.
type Message struct {
	Role    Role
	Content []Block
}

// UserTextMessage builds a user message with a single text block.
func UserTextMessage(text string) Message {
	return Message{Role: RoleUser, Content: []Block{TextBlock{Text: text}}}
}

// AssistantTextMessage builds an assistant message with a single text block.
func AssistantTextMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []Block{TextBlock{Text: text}}}
}

// ToolResultsMessage builds the user message that answers an assistant
// tool-use batch. Results must already be in the assistant's emission order.
func ToolResultsMessage(results []ToolResultBlock) Message {
	blocks := make([]Block, len(results))
	for i, r := range results {
		blocks[i] = r
	}
	return Message{Role: RoleUser, Content: blocks}
}

// Text concatenates the message's text blocks, separated by newlines.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if tb, ok := b.(TextBlock); ok && tb.Text != "" {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the message's tool-use blocks in emission order.
func (m Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// ToolResults returns the message's tool-result blocks in order.
func (m Message) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, b := range m.Content {
		if tr, ok := b.(ToolResultBlock); ok {
			results = append(results, tr)
		}
	}
	return results
}

// --- JSON codec ---
//
// Blocks serialize as a tagged union so transcripts survive session
// round-trips without losing block identity:
//
//	{"type":"text","text":"..."}
//	{"type":"tool_use","id":"...","name":"...","input":{...}}
//	{"type":"tool_result","tool_use_id":"...","content":"...","is_error":true}

type blockEnvelope struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	envs := make([]blockEnvelope, len(m.Content))
	for i, b := range m.Content {
		switch v := b.(type) {
		case TextBlock:
			envs[i] = blockEnvelope{Type: "text", Text: v.Text}
		case ToolUseBlock:
			envs[i] = blockEnvelope{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input}
		case ToolResultBlock:
			envs[i] = blockEnvelope{Type: "tool_result", ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError}
		default:
			return nil, fmt.Errorf("message: unknown block type %T", b)
		}
	}
	return json.Marshal(struct {
		Role    Role            `json:"role"`
		Content []blockEnvelope `json:"content"`
	}{Role: m.Role, Content: envs})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content []blockEnvelope `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = make([]Block, len(raw.Content))
	for i, env := range raw.Content {
		switch env.Type {
		case "text":
			m.Content[i] = TextBlock{Text: env.Text}
		case "tool_use":
			m.Content[i] = ToolUseBlock{ID: env.ID, Name: env.Name, Input: env.Input}
		case "tool_result":
			m.Content[i] = ToolResultBlock{ToolUseID: env.ToolUseID, Content: env.Content, IsError: env.IsError}
		default:
			return fmt.Errorf("message: unknown block type %q", env.Type)
		}
	}
	return nil
}

// Usage counts tokens consumed by model requests.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage count into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
