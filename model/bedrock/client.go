// Package bedrock implements fathom.ModelClient over the AWS Bedrock
// Converse API using aws-sdk-go-v2. It splits system from conversation
// messages, encodes tool schemas into Bedrock's ToolConfiguration, and
// translates Converse responses (text + tool_use blocks) back into
// fathom blocks. Both blocking and streaming completion are supported.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/nevindra/fathom"
)

const providerName = "bedrock"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
// required by the adapter. Wrap a real *bedrockruntime.Client with
// AWSRuntime, or pass a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// StreamOutput is the subset of the AWS ConverseStream output type
// required by the adapter. It is satisfied by the wrapped
// *bedrockruntime.ConverseStreamOutput and allows fake streams in tests.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// AWSRuntime adapts a real *bedrockruntime.Client to RuntimeClient.
func AWSRuntime(client *bedrockruntime.Client) RuntimeClient {
	return &awsRuntime{client: client}
}

type awsRuntime struct {
	client *bedrockruntime.Client
}

func (r *awsRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return r.client.Converse(ctx, params, optFns...)
}

func (r *awsRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Options configures the Bedrock adapter.
type Options struct {
	// Model is the Bedrock model identifier, for example
	// "anthropic.claude-sonnet-4-5-20250929-v1:0".
	Model string

	// MaxTokens is the completion cap applied when a request does not set
	// one. When zero, Bedrock's default applies.
	MaxTokens int

	// Temperature is forwarded when positive.
	Temperature float32
}

// Client implements fathom.ModelClient and fathom.StreamingModelClient
// on top of AWS Bedrock Converse.
type Client struct {
	runtime   RuntimeClient
	model     string
	maxTokens int
	temp      float32
}

var (
	_ fathom.ModelClient          = (*Client)(nil)
	_ fathom.StreamingModelClient = (*Client)(nil)
)

// New builds an adapter from the provided runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	return &Client{
		runtime:   runtime,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		temp:      opts.Temperature,
	}, nil
}

// NewFromConfig loads the default AWS configuration chain (environment,
// shared config, IMDS) and builds an adapter over it.
func NewFromConfig(ctx context.Context, model string, optFns ...func(*awsconfig.LoadOptions) error) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return New(AWSRuntime(bedrockruntime.NewFromConfig(cfg)), Options{Model: model})
}

// Complete issues a Converse request.
func (c *Client) Complete(ctx context.Context, req fathom.Request) (fathom.Response, error) {
	input, err := c.encodeConverse(req)
	if err != nil {
		return fathom.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return fathom.Response{}, classifyError(err)
	}
	return translateResponse(output)
}

// Stream invokes ConverseStream and adapts the event stream into fathom
// chunks.
func (c *Client) Stream(ctx context.Context, req fathom.Request) (fathom.Streamer, error) {
	converse, err := c.encodeConverse(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         converse.ModelId,
		Messages:        converse.Messages,
		System:          converse.System,
		ToolConfig:      converse.ToolConfig,
		InferenceConfig: converse.InferenceConfig,
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	if out == nil {
		return nil, &fathom.ModelError{Provider: providerName, Message: "nil stream output"}
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, &fathom.ModelError{Provider: providerName, Message: "stream output missing event stream"}
	}
	return newStreamer(stream), nil
}

func (c *Client) encodeConverse(req fathom.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = encodeTools(req.Tools)
	}
	if cfg := c.inferenceConfig(req.MaxTokens); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func (c *Client) inferenceConfig(maxTokens int) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTokens
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []fathom.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]brtypes.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			switch v := b.(type) {
			case fathom.TextBlock:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case fathom.ToolUseBlock:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(v.ID),
						Name:      aws.String(v.Name),
						Input:     rawDocument(v.Input),
					},
				})
			case fathom.ToolResultBlock:
				tr := brtypes.ToolResultBlock{
					ToolUseId: aws.String(v.ToolUseID),
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: v.Content},
					},
				}
				if v.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			default:
				return nil, fmt.Errorf("bedrock: unsupported block type %T", b)
			}
		}
		if len(blocks) == 0 {
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: " "})
		}
		role := brtypes.ConversationRoleUser
		if m.Role == fathom.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func encodeTools(defs []fathom.ToolDefinition) *brtypes.ToolConfiguration {
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: rawDocument(def.InputSchema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}
}

// rawDocument wraps raw JSON as a smithy document. Empty input encodes
// as an empty object, which Bedrock accepts for no-argument tools.
func rawDocument(raw json.RawMessage) document.Interface {
	var decoded any
	if len(raw) == 0 || json.Unmarshal(raw, &decoded) != nil {
		decoded = map[string]any{}
	}
	return document.NewLazyDocument(&decoded)
}

func translateResponse(output *bedrockruntime.ConverseOutput) (fathom.Response, error) {
	if output == nil {
		return fathom.Response{}, &fathom.ModelError{Provider: providerName, Message: "nil converse output"}
	}
	resp := fathom.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value != "" {
					resp.Blocks = append(resp.Blocks, fathom.TextBlock{Text: v.Value})
				}
			case *brtypes.ContentBlockMemberToolUse:
				tu := fathom.ToolUseBlock{Input: decodeDocument(v.Value.Input)}
				if v.Value.ToolUseId != nil {
					tu.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					tu.Name = *v.Value.Name
				}
				resp.Blocks = append(resp.Blocks, tu)
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = fathom.Usage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
		}
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage(`{}`)
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(data)
}

// classifyError maps AWS SDK errors to *fathom.ModelError. Throttling
// and 5xx responses are transient; validation and auth failures are not.
func classifyError(err error) error {
	me := &fathom.ModelError{Provider: providerName, Message: err.Error()}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		me.Message = apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelNotReadyException":
			me.Transient = true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		me.Status = respErr.HTTPStatusCode()
		if me.Status == http.StatusTooManyRequests || me.Status >= http.StatusInternalServerError {
			me.Transient = true
		}
	}
	return me
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}
