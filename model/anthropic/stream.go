package anthropic

import (
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nevindra/fathom"
)

// streamer adapts an Anthropic SSE stream to fathom.Streamer. The SDK
// stream is pull-based, so each Recv advances it until an event maps to
// a chunk.
type streamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	stopReason string
	usage      fathom.Usage
	done       bool
}

var _ fathom.Streamer = (*streamer)(nil)

func (s *streamer) Recv() (fathom.Chunk, error) {
	if s.done {
		return fathom.Chunk{}, io.EOF
	}
	for s.stream.Next() {
		if chunk, ok := s.translate(s.stream.Current()); ok {
			return chunk, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return fathom.Chunk{}, classifyError(err)
	}
	s.done = true
	return fathom.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

// translate maps one SDK event to a fathom chunk. Events that carry no
// chunk (message_start, signature deltas) report ok=false.
func (s *streamer) translate(event sdk.MessageStreamEventUnion) (fathom.Chunk, bool) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			return fathom.Chunk{
				Type:     fathom.ChunkToolUseStart,
				Index:    int(ev.Index),
				ToolID:   tu.ID,
				ToolName: tu.Name,
			}, true
		}
		return fathom.Chunk{}, false
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return fathom.Chunk{}, false
			}
			return fathom.Chunk{
				Type:  fathom.ChunkText,
				Index: int(ev.Index),
				Text:  delta.Text,
			}, true
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return fathom.Chunk{}, false
			}
			return fathom.Chunk{
				Type:       fathom.ChunkInputDelta,
				Index:      int(ev.Index),
				InputDelta: delta.PartialJSON,
			}, true
		}
		return fathom.Chunk{}, false
	case sdk.ContentBlockStopEvent:
		return fathom.Chunk{Type: fathom.ChunkBlockEnd, Index: int(ev.Index)}, true
	case sdk.MessageDeltaEvent:
		// Stop reason and usage arrive here; the chunk is emitted on
		// message_stop.
		s.stopReason = string(ev.Delta.StopReason)
		s.usage.Add(fathom.Usage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		})
		return fathom.Chunk{}, false
	case sdk.MessageStopEvent:
		usage := s.usage
		return fathom.Chunk{
			Type:       fathom.ChunkStop,
			StopReason: s.stopReason,
			Usage:      &usage,
		}, true
	}
	return fathom.Chunk{}, false
}
