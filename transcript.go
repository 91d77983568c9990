package fathom

import (
	"sync"
)

// Transcript is the append-only conversation history shared between the
// loop and the model client. Append enforces the structural rules the
// model APIs require: the first message is from the user, roles strictly
// alternate, and a tool-result message answers the preceding assistant's
// tool-use blocks exactly, by id and in emission order.
//
// Violations are reported as *InvariantError and the transcript is left
// unchanged. They indicate bugs in the caller, not conditions the model
// should see.
type Transcript struct {
	mu   sync.RWMutex
	msgs []Message
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// NewTranscriptFrom restores a transcript from persisted messages. The
// messages are validated by replaying them through Append so a corrupt
// session cannot smuggle in an ill-formed history.
func NewTranscriptFrom(msgs []Message) (*Transcript, error) {
	t := NewTranscript()
	for _, m := range msgs {
		if err := t.Append(m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Append validates m against the transcript invariants and appends it.
func (t *Transcript) Append(m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(m); err != nil {
		return err
	}
	t.msgs = append(t.msgs, m)
	return nil
}

func (t *Transcript) check(m Message) error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return invariantf("unknown role %q", m.Role)
	}
	if len(m.Content) == 0 {
		return invariantf("empty message content")
	}

	if len(t.msgs) == 0 {
		if m.Role != RoleUser {
			return invariantf("transcript must start with a user message, got %q", m.Role)
		}
	} else if last := t.msgs[len(t.msgs)-1]; last.Role == m.Role {
		return invariantf("consecutive %q messages", m.Role)
	}

	switch m.Role {
	case RoleAssistant:
		return checkAssistant(m)
	case RoleUser:
		return t.checkUser(m)
	}
	return nil
}

// checkAssistant rejects tool-result blocks and duplicate tool-use ids.
func checkAssistant(m Message) error {
	seen := make(map[string]bool)
	for _, b := range m.Content {
		switch v := b.(type) {
		case ToolResultBlock:
			return invariantf("tool_result block in assistant message")
		case ToolUseBlock:
			if v.ID == "" {
				return invariantf("tool_use block with empty id")
			}
			if seen[v.ID] {
				return invariantf("duplicate tool_use id %q", v.ID)
			}
			seen[v.ID] = true
		}
	}
	return nil
}

// checkUser enforces the tool-result pairing rules: a user message either
// carries no tool results, or consists solely of tool results that match
// the previous assistant's tool-use blocks one to one, in the same order.
func (t *Transcript) checkUser(m Message) error {
	results := m.ToolResults()
	if len(results) == 0 {
		// Plain user message. Only legal when the previous assistant
		// message (if any) issued no tool calls.
		if n := len(t.msgs); n > 0 {
			if uses := t.msgs[n-1].ToolUses(); len(uses) > 0 {
				return invariantf("assistant issued %d tool calls but user message carries no results", len(uses))
			}
		}
		return nil
	}

	if len(results) != len(m.Content) {
		return invariantf("user message mixes tool_result blocks with other content")
	}
	if len(t.msgs) == 0 {
		return invariantf("tool_result message cannot open a transcript")
	}

	uses := t.msgs[len(t.msgs)-1].ToolUses()
	if len(results) != len(uses) {
		return invariantf("got %d tool results for %d tool calls", len(results), len(uses))
	}
	for i, r := range results {
		if r.ToolUseID != uses[i].ID {
			return invariantf("tool result %d answers %q, expected %q", i, r.ToolUseID, uses[i].ID)
		}
	}
	return nil
}

// Messages returns a copy of the transcript in order.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Last returns the most recent message, or false when empty.
func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

// PendingToolUses returns the tool-use blocks of the last message when it
// is an assistant message still awaiting results, or nil.
func (t *Transcript) PendingToolUses() []ToolUseBlock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return nil
	}
	last := t.msgs[len(t.msgs)-1]
	if last.Role != RoleAssistant {
		return nil
	}
	return last.ToolUses()
}
