package fathom

import (
	"errors"
	"testing"
)

func TestTranscriptAlternation(t *testing.T) {
	tr := NewTranscript()

	if err := tr.Append(AssistantTextMessage("hi")); err == nil {
		t.Fatal("expected error: transcript must start with a user message")
	}
	if err := tr.Append(UserTextMessage("hello")); err != nil {
		t.Fatalf("Append user: %v", err)
	}
	if err := tr.Append(UserTextMessage("again")); err == nil {
		t.Fatal("expected error: consecutive user messages")
	}
	if err := tr.Append(AssistantTextMessage("hi")); err != nil {
		t.Fatalf("Append assistant: %v", err)
	}
	if err := tr.Append(AssistantTextMessage("hi again")); err == nil {
		t.Fatal("expected error: consecutive assistant messages")
	}
	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (failed appends must not mutate)", tr.Len())
	}
}

func TestTranscriptToolResultMatching(t *testing.T) {
	setup := func(t *testing.T) *Transcript {
		t.Helper()
		tr := NewTranscript()
		if err := tr.Append(UserTextMessage("go")); err != nil {
			t.Fatal(err)
		}
		msg := Message{Role: RoleAssistant, Content: []Block{
			use("tu_1", "alpha", ""),
			use("tu_2", "beta", ""),
		}}
		if err := tr.Append(msg); err != nil {
			t.Fatal(err)
		}
		return tr
	}

	tests := []struct {
		name    string
		results []ToolResultBlock
		wantErr bool
	}{
		{
			name: "exact match in order",
			results: []ToolResultBlock{
				{ToolUseID: "tu_1", Content: "a"},
				{ToolUseID: "tu_2", Content: "b"},
			},
		},
		{
			name: "wrong order",
			results: []ToolResultBlock{
				{ToolUseID: "tu_2", Content: "b"},
				{ToolUseID: "tu_1", Content: "a"},
			},
			wantErr: true,
		},
		{
			name:    "missing result",
			results: []ToolResultBlock{{ToolUseID: "tu_1", Content: "a"}},
			wantErr: true,
		},
		{
			name: "extra result",
			results: []ToolResultBlock{
				{ToolUseID: "tu_1", Content: "a"},
				{ToolUseID: "tu_2", Content: "b"},
				{ToolUseID: "tu_3", Content: "c"},
			},
			wantErr: true,
		},
		{
			name: "unknown id",
			results: []ToolResultBlock{
				{ToolUseID: "tu_1", Content: "a"},
				{ToolUseID: "tu_9", Content: "x"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := setup(t)
			err := tr.Append(ToolResultsMessage(tt.results))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Append err = %v, wantErr = %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var inv *InvariantError
				if !errors.As(err, &inv) {
					t.Fatalf("error %v is not *InvariantError", err)
				}
			}
		})
	}
}

func TestTranscriptRejectsMixedResultMessage(t *testing.T) {
	tr := NewTranscript()
	if err := tr.Append(UserTextMessage("go")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Append(Message{Role: RoleAssistant, Content: []Block{use("tu_1", "alpha", "")}}); err != nil {
		t.Fatal(err)
	}
	mixed := Message{Role: RoleUser, Content: []Block{
		ToolResultBlock{ToolUseID: "tu_1", Content: "a"},
		TextBlock{Text: "also this"},
	}}
	if err := tr.Append(mixed); err == nil {
		t.Fatal("expected error: tool results mixed with text")
	}
}

func TestTranscriptPlainUserAfterToolUse(t *testing.T) {
	tr := NewTranscript()
	if err := tr.Append(UserTextMessage("go")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Append(Message{Role: RoleAssistant, Content: []Block{use("tu_1", "alpha", "")}}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Append(UserTextMessage("never mind")); err == nil {
		t.Fatal("expected error: pending tool calls must be answered first")
	}
}

func TestTranscriptDuplicateToolUseIDs(t *testing.T) {
	tr := NewTranscript()
	if err := tr.Append(UserTextMessage("go")); err != nil {
		t.Fatal(err)
	}
	msg := Message{Role: RoleAssistant, Content: []Block{
		use("tu_1", "alpha", ""),
		use("tu_1", "beta", ""),
	}}
	if err := tr.Append(msg); err == nil {
		t.Fatal("expected error: duplicate tool_use ids")
	}
}

func TestTranscriptMessagesReturnsCopy(t *testing.T) {
	tr := NewTranscript()
	if err := tr.Append(UserTextMessage("one")); err != nil {
		t.Fatal(err)
	}
	msgs := tr.Messages()
	msgs[0] = AssistantTextMessage("mutated")
	if got, _ := tr.Last(); got.Text() != "one" {
		t.Fatalf("internal slice mutated through Messages copy: %q", got.Text())
	}
}

func TestNewTranscriptFromValidates(t *testing.T) {
	good := []Message{
		UserTextMessage("go"),
		{Role: RoleAssistant, Content: []Block{use("tu_1", "alpha", "")}},
		ToolResultsMessage([]ToolResultBlock{{ToolUseID: "tu_1", Content: "a"}}),
	}
	if _, err := NewTranscriptFrom(good); err != nil {
		t.Fatalf("NewTranscriptFrom(good): %v", err)
	}

	bad := []Message{
		UserTextMessage("go"),
		{Role: RoleAssistant, Content: []Block{use("tu_1", "alpha", "")}},
		ToolResultsMessage([]ToolResultBlock{{ToolUseID: "wrong", Content: "a"}}),
	}
	if _, err := NewTranscriptFrom(bad); err == nil {
		t.Fatal("expected error restoring an ill-formed transcript")
	}
}

func TestPendingToolUses(t *testing.T) {
	tr := NewTranscript()
	if got := tr.PendingToolUses(); got != nil {
		t.Fatalf("empty transcript pending = %v", got)
	}
	if err := tr.Append(UserTextMessage("go")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Append(Message{Role: RoleAssistant, Content: []Block{use("tu_1", "alpha", "")}}); err != nil {
		t.Fatal(err)
	}
	pending := tr.PendingToolUses()
	if len(pending) != 1 || pending[0].ID != "tu_1" {
		t.Fatalf("pending = %v, want one tu_1", pending)
	}
}
