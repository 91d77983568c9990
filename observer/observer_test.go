package observer

import (
	"context"
	"errors"
	"io"
	"testing"

	fathom "github.com/nevindra/fathom"
)

// mockModel for observer tests.
type mockModel struct {
	resp fathom.Response
	err  error
}

func (m *mockModel) Complete(_ context.Context, _ fathom.Request) (fathom.Response, error) {
	return m.resp, m.err
}

func (m *mockModel) Stream(_ context.Context, _ fathom.Request) (fathom.Streamer, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &mockStreamer{resp: m.resp}, nil
}

// mockStreamer replays a response as one text chunk plus a stop chunk.
type mockStreamer struct {
	resp fathom.Response
	i    int
}

func (s *mockStreamer) Recv() (fathom.Chunk, error) {
	s.i++
	switch s.i {
	case 1:
		text := ""
		if len(s.resp.Blocks) > 0 {
			text = s.resp.Blocks[0].(fathom.TextBlock).Text
		}
		return fathom.Chunk{Type: fathom.ChunkText, Text: text}, nil
	case 2:
		usage := s.resp.Usage
		return fathom.Chunk{Type: fathom.ChunkStop, StopReason: s.resp.StopReason, Usage: &usage}, nil
	default:
		return fathom.Chunk{}, io.EOF
	}
}

func (s *mockStreamer) Close() error { return nil }

// testInstruments creates a no-op Instruments using the global OTEL
// providers (which are no-ops by default). This is safe for testing
// delegation behavior without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedModelComplete(t *testing.T) {
	want := fathom.Response{
		Blocks:     []fathom.Block{fathom.TextBlock{Text: "hello from the model"}},
		StopReason: "end_turn",
		Usage:      fathom.Usage{InputTokens: 10, OutputTokens: 5},
	}
	om := WrapModel(&mockModel{resp: want}, "anthropic", "claude-sonnet-4-5", testInstruments(t))

	got, err := om.Complete(context.Background(), fathom.Request{
		Messages: []fathom.Message{
			{Role: fathom.RoleUser, Content: []fathom.Block{fathom.TextBlock{Text: "hi"}}},
		},
		Tools: []fathom.ToolDefinition{{Name: "search", Description: "web search"}},
	})
	if err != nil {
		t.Fatalf("Complete returned unexpected error: %v", err)
	}
	if len(got.Blocks) != 1 {
		t.Fatalf("blocks = %+v", got.Blocks)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
	if got.StopReason != want.StopReason {
		t.Errorf("StopReason = %q, want %q", got.StopReason, want.StopReason)
	}
}

func TestObservedModelCompleteError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	om := WrapModel(&mockModel{err: wantErr}, "anthropic", "m", testInstruments(t))

	_, err := om.Complete(context.Background(), fathom.Request{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Complete error = %v, want %v", err, wantErr)
	}
}

func TestObservedStreamingModelStream(t *testing.T) {
	want := fathom.Response{
		Blocks:     []fathom.Block{fathom.TextBlock{Text: "hello world"}},
		StopReason: "end_turn",
		Usage:      fathom.Usage{InputTokens: 8, OutputTokens: 2},
	}
	om := WrapStreamingModel(&mockModel{resp: want}, "anthropic", "m", testInstruments(t))

	s, err := om.Stream(context.Background(), fathom.Request{})
	if err != nil {
		t.Fatalf("Stream returned unexpected error: %v", err)
	}
	got, err := fathom.AssembleStream(s)
	if err != nil {
		t.Fatalf("AssembleStream: %v", err)
	}
	if len(got.Blocks) != 1 || got.Blocks[0].(fathom.TextBlock).Text != "hello world" {
		t.Fatalf("blocks = %+v", got.Blocks)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedStreamingModelStreamError(t *testing.T) {
	wantErr := errors.New("stream refused")
	om := WrapStreamingModel(&mockModel{err: wantErr}, "anthropic", "m", testInstruments(t))

	if _, err := om.Stream(context.Background(), fathom.Request{}); !errors.Is(err, wantErr) {
		t.Errorf("Stream error = %v, want %v", err, wantErr)
	}
}

func TestNewTracerSpans(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "turn",
		fathom.StringAttr("session.id", "s1"),
		fathom.IntAttr("step", 3),
	)
	if ctx == nil || span == nil {
		t.Fatal("nil ctx or span")
	}
	span.Event("tool_batch", fathom.IntAttr("count", 2))
	span.SetAttr(fathom.BoolAttr("ok", true))
	span.Error(errors.New("boom"))
	span.End()
}
