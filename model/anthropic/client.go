// Package anthropic implements fathom.ModelClient over the Anthropic
// Messages API using github.com/anthropics/anthropic-sdk-go. It
// translates requests into anthropic.Message calls and maps responses
// (text, tool use, usage) back into fathom blocks. Both blocking and
// streaming completion are supported.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nevindra/fathom"
)

const providerName = "anthropic"

// defaultMaxTokens caps responses when neither the request nor Options
// specify a limit.
const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter. It is satisfied by *sdk.MessageService so callers can
	// pass either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Use the typed constants from
		// github.com/anthropics/anthropic-sdk-go or the identifiers from the
		// Anthropic model reference.
		Model string

		// MaxTokens is the completion cap applied when a request does not
		// set one. Defaults to 4096.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Client implements fathom.ModelClient and fathom.StreamingModelClient
	// on top of Anthropic Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
		temp      float64
	}
)

var (
	_ fathom.ModelClient          = (*Client)(nil)
	_ fathom.StreamingModelClient = (*Client)(nil)
)

// New builds an adapter from the provided Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: maxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req fathom.Request) (fathom.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return fathom.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return fathom.Response{}, classifyError(err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts the event stream into
// fathom chunks.
func (c *Client) Stream(ctx context.Context, req fathom.Request) (fathom.Streamer, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return &streamer{stream: stream}, nil
}

func (c *Client) encodeRequest(req fathom.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return &params, nil
}

func encodeMessages(msgs []fathom.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch v := b.(type) {
			case fathom.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case fathom.ToolUseBlock:
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case fathom.ToolResultBlock:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported block type %T", b)
			}
		}
		if len(blocks) == 0 {
			// The API rejects empty content; stand in a blank text block for
			// empty assistant messages carried in the transcript.
			blocks = append(blocks, sdk.NewTextBlock(" "))
		}
		switch m.Role {
		case fathom.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case fathom.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []fathom.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) (fathom.Response, error) {
	if msg == nil {
		return fathom.Response{}, &fathom.ModelError{Provider: providerName, Message: "nil response message"}
	}
	resp := fathom.Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Blocks = append(resp.Blocks, fathom.TextBlock{Text: block.Text})
			}
		case "tool_use":
			input := json.RawMessage(block.Input)
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.Blocks = append(resp.Blocks, fathom.ToolUseBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	resp.Usage = fathom.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp, nil
}

// classifyError maps an SDK error to *fathom.ModelError so the retry
// layer can tell transient failures from permanent ones.
func classifyError(err error) error {
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return &fathom.ModelError{Provider: providerName, Message: err.Error()}
	}
	me := &fathom.ModelError{
		Provider:  providerName,
		Message:   apierr.Error(),
		Status:    apierr.StatusCode,
		Transient: isTransientStatus(apierr.StatusCode),
	}
	if apierr.Response != nil {
		me.RetryAfter = parseRetryAfter(apierr.Response.Header)
	}
	return me
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		529: // Anthropic "overloaded"
		return true
	}
	return false
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
