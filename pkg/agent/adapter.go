package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ghostflow-ai/ghostflow/pkg/events"
	"github.com/ghostflow-ai/ghostflow/pkg/metrics"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// Masker redacts sensitive material from tool output before it reaches the
// event stream or the conversation history.
type Masker interface {
	Mask(s string) string
}

// Config tunes an agent run.
type Config struct {
	SystemPrompt  string
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	// ShowThinking forwards model reasoning as thinking events.
	ShowThinking bool
	Compression  CompressionConfig
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	return c
}

// Adapter turns an agent run into a stream producer: it drives the
// provider through a reason/act loop, executes requested tools, and
// translates everything into stream events.
type Adapter struct {
	provider Provider
	tools    *Registry
	masker   Masker
	cfg      Config
	logger   *slog.Logger
}

// NewAdapter wires an adapter. masker may be nil to disable redaction.
func NewAdapter(provider Provider, tools *Registry, masker Masker, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		provider: provider,
		tools:    tools,
		masker:   masker,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "agent_adapter"),
	}
}

// Producer returns the stream producer for one run seeded with the given
// conversation. The run loops until the model answers without tool calls,
// the iteration cap is hit, or the context is cancelled.
func (a *Adapter) Producer(seed []Message) stream.Producer {
	return func(ctx context.Context, out chan<- events.Event) error {
		convo := append([]Message(nil), seed...)
		totalTokens := 0
		stopReason := ""

		for iter := 0; iter < a.cfg.MaxIterations; iter++ {
			convo = Compress(convo, a.cfg.Compression)

			turn, err := a.completeTurn(ctx, convo, out, &totalTokens, &stopReason)
			if err != nil {
				return err
			}
			convo = append(convo, Message{
				Role:      RoleAssistant,
				Content:   turn.text,
				ToolCalls: turn.calls,
			})

			if len(turn.calls) == 0 {
				tokens := totalTokens
				metrics.TaskTokensUsed.Observe(float64(totalTokens))
				return send(ctx, out, events.NewComplete(0, &tokens, stopReason))
			}

			for _, call := range turn.calls {
				resultMsg, err := a.runTool(ctx, call, out)
				if err != nil {
					return err
				}
				convo = append(convo, resultMsg)
			}
		}

		return &stream.CodedError{
			Code:    "ITERATION_LIMIT",
			Message: fmt.Sprintf("no final answer after %d iterations", a.cfg.MaxIterations),
			Details: map[string]any{"max_iterations": a.cfg.MaxIterations},
		}
	}
}

type turnResult struct {
	text  string
	calls []ToolCall
}

// completeTurn runs one provider round trip, forwarding chunks as events.
func (a *Adapter) completeTurn(ctx context.Context, convo []Message, out chan<- events.Event, totalTokens *int, stopReason *string) (turnResult, error) {
	req := Request{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		System:      a.cfg.SystemPrompt,
		Messages:    convo,
	}
	if a.tools != nil {
		req.Tools = a.tools.Definitions()
	}

	chunks, err := a.provider.Stream(ctx, req)
	if err != nil {
		return turnResult{}, &stream.CodedError{
			Code:        "PROVIDER_ERROR",
			Message:     err.Error(),
			Recoverable: true,
		}
	}

	var text strings.Builder
	var calls []ToolCall
	for chunk := range chunks {
		switch {
		case chunk.Text != nil:
			text.WriteString(chunk.Text.Content)
			if err := send(ctx, out, events.NewChunk(chunk.Text.Content, true)); err != nil {
				return turnResult{}, err
			}
		case chunk.Thinking != nil:
			if a.cfg.ShowThinking {
				if err := send(ctx, out, events.NewThinking(chunk.Thinking.Content, "")); err != nil {
					return turnResult{}, err
				}
			}
		case chunk.ToolCall != nil:
			calls = append(calls, chunk.ToolCall.Call)
		case chunk.Usage != nil:
			*totalTokens += chunk.Usage.InputTokens + chunk.Usage.OutputTokens
			if chunk.Usage.StopReason != "" {
				*stopReason = chunk.Usage.StopReason
			}
		case chunk.Err != nil:
			return turnResult{}, &stream.CodedError{
				Code:        "PROVIDER_ERROR",
				Message:     chunk.Err.Message,
				Recoverable: chunk.Err.Retryable,
			}
		}
	}
	if ctx.Err() != nil {
		return turnResult{}, ctx.Err()
	}
	return turnResult{text: text.String(), calls: calls}, nil
}

// runTool executes one tool call, emitting the start and result events and
// returning the tool message appended to the conversation.
func (a *Adapter) runTool(ctx context.Context, call ToolCall, out chan<- events.Event) (Message, error) {
	input := map[string]any{}
	if call.Arguments != "" {
		// Invalid argument JSON is surfaced through Execute; the start
		// event carries whatever parsed.
		_ = json.Unmarshal([]byte(call.Arguments), &input)
	}
	if err := send(ctx, out, events.NewToolStart(call.Name, input, call.ID)); err != nil {
		return Message{}, err
	}

	result := a.tools.Execute(ctx, call)
	execMs := result.Duration.Milliseconds()

	var rendered string
	var errMsg string
	if result.Err != nil {
		errMsg = result.Err.Error()
		rendered = "error: " + errMsg
	} else {
		rendered = renderOutput(result.Output)
	}
	if a.masker != nil {
		rendered = a.masker.Mask(rendered)
		if errMsg != "" {
			errMsg = a.masker.Mask(errMsg)
		}
	}

	var eventResult any
	if result.Err == nil {
		eventResult = rendered
	}
	if err := send(ctx, out, events.NewToolResult(call.Name, call.ID, eventResult, &execMs, errMsg)); err != nil {
		return Message{}, err
	}

	a.logger.Debug("tool executed", "tool", call.Name, "duration_ms", execMs, "failed", result.Err != nil)
	return Message{
		Role:       RoleTool,
		Content:    rendered,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}, nil
}

func renderOutput(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		raw, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(raw)
	}
}

func send(ctx context.Context, out chan<- events.Event, ev events.Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
