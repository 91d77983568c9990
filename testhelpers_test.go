package fathom

import (
	"context"
	"encoding/json"
	"sync"
)

// scriptedModel returns canned responses in order. Once the script is
// exhausted it keeps returning a plain "done" text response so loops
// always terminate.
type scriptedModel struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	requests  []Request
}

func (m *scriptedModel) Complete(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, cloneRequest(req))
	i := len(m.requests) - 1
	if i < len(m.errs) && m.errs[i] != nil {
		return Response{}, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return textResponse("done"), nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func cloneRequest(req Request) Request {
	out := req
	out.Messages = make([]Message, len(req.Messages))
	copy(out.Messages, req.Messages)
	return out
}

func textResponse(text string) Response {
	return Response{
		Blocks:     []Block{TextBlock{Text: text}},
		StopReason: "end_turn",
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolUseResponse(uses ...ToolUseBlock) Response {
	blocks := make([]Block, len(uses))
	for i, u := range uses {
		blocks[i] = u
	}
	return Response{Blocks: blocks, StopReason: "tool_use", Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

func use(id, name, input string) ToolUseBlock {
	if input == "" {
		input = "{}"
	}
	return ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(input)}
}

// echoTool returns a pure tool that echoes its "value" input field.
func echoTool(name string) ToolDescriptor {
	return ToolDescriptor{
		Name:        name,
		Description: "echoes the value field",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}},"required":["value"],"additionalProperties":false}`),
		Effect:      EffectPure,
		Handler: func(_ context.Context, _ *ToolContext, input json.RawMessage) (string, error) {
			var p struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(input, &p); err != nil {
				return "", err
			}
			return "echo:" + p.Value, nil
		},
	}
}

// memoryStore is an in-process SessionStore used by agent tests.
type memoryStore struct {
	mu     sync.Mutex
	recs   map[string]*SessionRecord
	locked map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{recs: make(map[string]*SessionRecord), locked: make(map[string]bool)}
}

func (s *memoryStore) Load(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[id] {
		return nil, ErrSessionBusy
	}
	s.locked[id] = true
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memoryStore) Save(_ context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.recs[rec.SessionID] = &clone
	return nil
}

func (s *memoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, id)
	return nil
}
