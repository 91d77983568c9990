package fathom

import (
	"io"
	"testing"
)

// sliceStreamer replays a fixed chunk sequence.
type sliceStreamer struct {
	chunks []Chunk
	pos    int
	err    error
	closed bool
}

func (s *sliceStreamer) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStreamer) Close() error {
	s.closed = true
	return nil
}

func TestAssembleStream(t *testing.T) {
	usage := &Usage{InputTokens: 9, OutputTokens: 4}
	s := &sliceStreamer{chunks: []Chunk{
		{Type: ChunkText, Index: 0, Text: "let me "},
		{Type: ChunkText, Index: 0, Text: "look"},
		{Type: ChunkBlockEnd, Index: 0},
		{Type: ChunkToolUseStart, Index: 1, ToolID: "tu_1", ToolName: "read_file"},
		{Type: ChunkInputDelta, Index: 1, InputDelta: `{"path":`},
		{Type: ChunkInputDelta, Index: 1, InputDelta: `"a.md"}`},
		{Type: ChunkBlockEnd, Index: 1},
		{Type: ChunkStop, StopReason: "tool_use", Usage: usage},
	}}

	resp, err := AssembleStream(s)
	if err != nil {
		t.Fatal(err)
	}
	if !s.closed {
		t.Fatal("streamer not closed")
	}
	if len(resp.Blocks) != 2 {
		t.Fatalf("blocks = %+v", resp.Blocks)
	}
	text, ok := resp.Blocks[0].(TextBlock)
	if !ok || text.Text != "let me look" {
		t.Fatalf("block 0 = %+v", resp.Blocks[0])
	}
	tu, ok := resp.Blocks[1].(ToolUseBlock)
	if !ok || tu.ID != "tu_1" || tu.Name != "read_file" || string(tu.Input) != `{"path":"a.md"}` {
		t.Fatalf("block 1 = %+v", resp.Blocks[1])
	}
	if resp.StopReason != "tool_use" || resp.Usage != *usage {
		t.Fatalf("stop/usage = %q %+v", resp.StopReason, resp.Usage)
	}
}

func TestAssembleStreamUnclosedBlocks(t *testing.T) {
	// Providers that never emit block_end still yield whole blocks in
	// emission order.
	s := &sliceStreamer{chunks: []Chunk{
		{Type: ChunkText, Index: 0, Text: "partial"},
		{Type: ChunkToolUseStart, Index: 1, ToolID: "tu_1", ToolName: "x"},
		{Type: ChunkStop, StopReason: "end_turn"},
	}}
	resp, err := AssembleStream(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Blocks) != 2 {
		t.Fatalf("blocks = %+v", resp.Blocks)
	}
	if _, ok := resp.Blocks[0].(TextBlock); !ok {
		t.Fatalf("order lost: %+v", resp.Blocks)
	}
	tu := resp.Blocks[1].(ToolUseBlock)
	if string(tu.Input) != "{}" {
		t.Fatalf("empty input should default to {}: %q", tu.Input)
	}
}

func TestAssembleStreamBadToolJSON(t *testing.T) {
	s := &sliceStreamer{chunks: []Chunk{
		{Type: ChunkToolUseStart, Index: 0, ToolID: "tu_1", ToolName: "x"},
		{Type: ChunkInputDelta, Index: 0, InputDelta: `{"broken":`},
		{Type: ChunkBlockEnd, Index: 0},
	}}
	if _, err := AssembleStream(s); err == nil {
		t.Fatal("expected error for unparseable tool input")
	}
}

func TestAssembleStreamRecvError(t *testing.T) {
	s := &sliceStreamer{
		chunks: []Chunk{{Type: ChunkText, Index: 0, Text: "partial"}},
		err:    &ModelError{Provider: "test", Message: "connection reset"},
	}
	if _, err := AssembleStream(s); err == nil {
		t.Fatal("expected mid-stream error to propagate")
	}
	if !s.closed {
		t.Fatal("streamer not closed on error")
	}
}

func TestAssembleStreamTextCallback(t *testing.T) {
	s := &sliceStreamer{chunks: []Chunk{
		{Type: ChunkText, Index: 0, Text: "a"},
		{Type: ChunkText, Index: 0, Text: "b"},
		{Type: ChunkBlockEnd, Index: 0},
		{Type: ChunkStop, StopReason: "end_turn"},
	}}
	var deltas []string
	resp, err := assemble(s, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Blocks[0].(TextBlock).Text != "ab" {
		t.Fatalf("blocks = %+v", resp.Blocks)
	}
	if len(deltas) != 2 || deltas[0] != "a" || deltas[1] != "b" {
		t.Fatalf("deltas = %v", deltas)
	}
}
