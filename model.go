package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Request is a provider-neutral model completion request.
type Request struct {
	// System is the system prompt, separate from the transcript.
	System string
	// Messages is the transcript to send, already invariant-checked.
	Messages []Message
	// Tools advertises the callable tools.
	Tools []ToolDefinition
	// MaxTokens caps the response length. 0 means provider default.
	MaxTokens int
}

// Response is one whole assistant message from the model.
type Response struct {
	// Blocks are the assistant content blocks in emission order. Only
	// TextBlock and ToolUseBlock appear here.
	Blocks []Block
	// StopReason is the provider's stop reason ("end_turn", "tool_use",
	// "max_tokens", ...).
	StopReason string
	Usage      Usage
}

// ModelClient is the minimal provider contract: one blocking completion.
// Implementations live in model/anthropic and model/bedrock; wrap with
// WithRetry and WithRateLimit for production use.
type ModelClient interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// StreamingModelClient is implemented by providers that can stream.
type StreamingModelClient interface {
	ModelClient
	Stream(ctx context.Context, req Request) (Streamer, error)
}

// Streamer yields chunks of an in-flight response. Recv returns io.EOF
// after the final chunk. Close releases the underlying connection and is
// safe to call at any point.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// ChunkType identifies a streaming chunk.
type ChunkType string

const (
	// ChunkText carries an incremental piece of a text block.
	ChunkText ChunkType = "text"
	// ChunkToolUseStart opens a tool-use block; Input arrives via
	// ChunkInputDelta fragments.
	ChunkToolUseStart ChunkType = "tool_use_start"
	// ChunkInputDelta carries a fragment of a tool-use block's input JSON.
	ChunkInputDelta ChunkType = "input_delta"
	// ChunkBlockEnd closes the block at Index.
	ChunkBlockEnd ChunkType = "block_end"
	// ChunkStop carries the stop reason and final usage.
	ChunkStop ChunkType = "stop"
)

// Chunk is one streaming event. Index identifies the content block the
// chunk belongs to; blocks are emitted strictly in order.
type Chunk struct {
	Type  ChunkType
	Index int
	// Text is the delta for ChunkText.
	Text string
	// ToolID and ToolName are set on ChunkToolUseStart.
	ToolID   string
	ToolName string
	// InputDelta is the JSON fragment for ChunkInputDelta.
	InputDelta string
	// StopReason and Usage are set on ChunkStop.
	StopReason string
	Usage      *Usage
}

// AssembleStream drains a Streamer into a whole Response, preserving the
// provider's block emission order. Partial tool-use input fragments are
// concatenated and parsed when the block closes; unparseable input fails
// the whole response rather than handing the executor garbage.
//
// The loop consumes providers through this function so streaming and
// blocking clients behave identically from the transcript's point of view.
func AssembleStream(s Streamer) (Response, error) {
	return assemble(s, nil)
}

// assemble is AssembleStream with an optional per-delta callback, used by
// the loop to forward text chunks while still returning a whole response.
func assemble(s Streamer, onText func(delta string)) (Response, error) {
	defer s.Close()

	var resp Response
	type openBlock struct {
		isTool    bool
		text      string
		toolID    string
		toolName  string
		fragments []string
	}
	open := make(map[int]*openBlock)
	var order []int

	flush := func(idx int) error {
		b, ok := open[idx]
		if !ok {
			return nil
		}
		delete(open, idx)
		if !b.isTool {
			resp.Blocks = append(resp.Blocks, TextBlock{Text: b.text})
			return nil
		}
		input := json.RawMessage(`{}`)
		if len(b.fragments) > 0 {
			joined := ""
			for _, f := range b.fragments {
				joined += f
			}
			if !json.Valid([]byte(joined)) {
				return fmt.Errorf("tool %q: streamed input is not valid JSON", b.toolName)
			}
			input = json.RawMessage(joined)
		}
		resp.Blocks = append(resp.Blocks, ToolUseBlock{ID: b.toolID, Name: b.toolName, Input: input})
		return nil
	}

	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Response{}, err
		}
		switch chunk.Type {
		case ChunkText:
			b, ok := open[chunk.Index]
			if !ok {
				b = &openBlock{}
				open[chunk.Index] = b
				order = append(order, chunk.Index)
			}
			b.text += chunk.Text
			if onText != nil && chunk.Text != "" {
				onText(chunk.Text)
			}
		case ChunkToolUseStart:
			open[chunk.Index] = &openBlock{isTool: true, toolID: chunk.ToolID, toolName: chunk.ToolName}
			order = append(order, chunk.Index)
		case ChunkInputDelta:
			if b, ok := open[chunk.Index]; ok {
				b.fragments = append(b.fragments, chunk.InputDelta)
			}
		case ChunkBlockEnd:
			if err := flush(chunk.Index); err != nil {
				return Response{}, err
			}
		case ChunkStop:
			resp.StopReason = chunk.StopReason
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}

	// Flush blocks the provider never explicitly closed, in emission order.
	for _, idx := range order {
		if err := flush(idx); err != nil {
			return Response{}, err
		}
	}
	return resp, nil
}

// ModelFunc adapts a plain function to the ModelClient interface. Handy
// in tests and for small shims.
type ModelFunc func(ctx context.Context, req Request) (Response, error)

func (f ModelFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// compile-time check
var _ ModelClient = (ModelFunc)(nil)
