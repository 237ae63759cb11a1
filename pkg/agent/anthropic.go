package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider streams chat completions from the Anthropic Messages
// API.
type AnthropicProvider struct {
	client sdk.Client
	logger *slog.Logger
}

// NewAnthropicProvider creates a provider. baseURL is optional and used to
// point at a proxy.
func NewAnthropicProvider(apiKey, baseURL string, logger *slog.Logger) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic provider: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: sdk.NewClient(opts...),
		logger: logger.With("component", "anthropic_provider"),
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Close() error { return nil }

// Stream issues the request and bridges the SDK event stream onto a Chunk
// channel. Partial tool-call argument deltas are buffered per content block
// and flushed as one ToolCallChunk when the block closes.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		type pendingCall struct {
			id   string
			name string
			args string
		}
		pending := make(map[int64]*pendingCall)
		usage := UsageChunk{}

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)

			case sdk.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					pending[ev.Index] = &pendingCall{id: block.ID, name: block.Name}
				}

			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if !sendChunk(ctx, out, Chunk{Text: &TextChunk{Content: delta.Text}}) {
						return
					}
				case sdk.ThinkingDelta:
					if !sendChunk(ctx, out, Chunk{Thinking: &ThinkingChunk{Content: delta.Thinking}}) {
						return
					}
				case sdk.InputJSONDelta:
					if call, ok := pending[ev.Index]; ok {
						call.args += delta.PartialJSON
					}
				}

			case sdk.ContentBlockStopEvent:
				if call, ok := pending[ev.Index]; ok {
					delete(pending, ev.Index)
					args := call.args
					if args == "" {
						args = "{}"
					}
					sent := sendChunk(ctx, out, Chunk{ToolCall: &ToolCallChunk{Call: ToolCall{
						ID:        call.id,
						Name:      call.name,
						Arguments: args,
					}}})
					if !sent {
						return
					}
				}

			case sdk.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
				usage.StopReason = string(ev.Delta.StopReason)

			case sdk.MessageStopEvent:
				u := usage
				if !sendChunk(ctx, out, Chunk{Usage: &u}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			p.logger.Error("anthropic stream failed", "error", err)
			sendChunk(ctx, out, Chunk{Err: &ErrorChunk{Message: err.Error(), Retryable: true}})
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(req Request) (sdk.MessageNewParams, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, json.RawMessage(call.Arguments), call.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		case RoleSystem:
			// System text travels in the dedicated field; a stray
			// system message mid-conversation is a caller bug.
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic provider: system role not allowed in messages")
		}
	}

	for _, tool := range req.Tools {
		schema := sdk.ToolInputSchemaParam{}
		if len(tool.InputSchema) > 0 {
			schema.ExtraFields = tool.InputSchema
		}
		union := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			union.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, union)
	}
	return params, nil
}
