package bedrock

import (
	"io"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nevindra/fathom"
)

// streamer adapts a ConverseStream event stream to fathom.Streamer.
// Each Recv drains events from the SDK channel until one maps to a
// chunk. Bedrock delivers messageStop before the metadata event that
// carries token usage, so the stop chunk is held until metadata arrives
// (or the stream ends).
type streamer struct {
	stream *bedrockruntime.ConverseStreamEventStream

	stopReason string
	usage      fathom.Usage
	sawStop    bool
	done       bool
}

var _ fathom.Streamer = (*streamer)(nil)

func newStreamer(stream *bedrockruntime.ConverseStreamEventStream) *streamer {
	return &streamer{stream: stream}
}

func (s *streamer) Recv() (fathom.Chunk, error) {
	if s.done {
		return fathom.Chunk{}, io.EOF
	}
	for event := range s.stream.Events() {
		if chunk, ok := s.translate(event); ok {
			return chunk, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return fathom.Chunk{}, classifyError(err)
	}
	s.done = true
	if s.sawStop {
		// Stream ended without a metadata event.
		return s.stopChunk(), nil
	}
	return fathom.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) stopChunk() fathom.Chunk {
	s.sawStop = false
	usage := s.usage
	return fathom.Chunk{
		Type:       fathom.ChunkStop,
		StopReason: s.stopReason,
		Usage:      &usage,
	}
}

// translate maps one stream event to a fathom chunk. Events carrying no
// chunk (messageStart, non-tool block starts) report ok=false.
func (s *streamer) translate(event brtypes.ConverseStreamOutput) (fathom.Chunk, bool) {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			chunk := fathom.Chunk{
				Type:  fathom.ChunkToolUseStart,
				Index: contentIndex(ev.Value.ContentBlockIndex),
			}
			if tu.Value.ToolUseId != nil {
				chunk.ToolID = *tu.Value.ToolUseId
			}
			if tu.Value.Name != nil {
				chunk.ToolName = *tu.Value.Name
			}
			return chunk, true
		}
		return fathom.Chunk{}, false
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		index := contentIndex(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return fathom.Chunk{}, false
			}
			return fathom.Chunk{
				Type:  fathom.ChunkText,
				Index: index,
				Text:  delta.Value,
			}, true
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if delta.Value.Input == nil || *delta.Value.Input == "" {
				return fathom.Chunk{}, false
			}
			return fathom.Chunk{
				Type:       fathom.ChunkInputDelta,
				Index:      index,
				InputDelta: *delta.Value.Input,
			}, true
		}
		return fathom.Chunk{}, false
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		return fathom.Chunk{
			Type:  fathom.ChunkBlockEnd,
			Index: contentIndex(ev.Value.ContentBlockIndex),
		}, true
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.stopReason = string(ev.Value.StopReason)
		s.sawStop = true
		return fathom.Chunk{}, false
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if usage := ev.Value.Usage; usage != nil {
			s.usage = fathom.Usage{
				InputTokens:  int(ptrValue(usage.InputTokens)),
				OutputTokens: int(ptrValue(usage.OutputTokens)),
			}
		}
		if s.sawStop {
			return s.stopChunk(), true
		}
		return fathom.Chunk{}, false
	}
	return fathom.Chunk{}, false
}

func contentIndex(ptr *int32) int {
	if ptr == nil {
		return 0
	}
	return int(*ptr)
}
