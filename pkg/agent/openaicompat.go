package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAICompatProvider streams chat completions from any backend speaking
// the OpenAI Chat Completions protocol (vLLM, Ollama, LiteLLM, and the
// hosted APIs themselves).
type OpenAICompatProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAICompatProvider creates a provider for the given base URL, e.g.
// "https://api.openai.com/v1". The API key may be empty for local backends.
func NewOpenAICompatProvider(baseURL, apiKey string, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("openai-compatible provider: base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompatProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Minute},
		logger:  logger.With("component", "openai_compat_provider"),
	}, nil
}

func (p *OpenAICompatProvider) Name() string { return "openai-compatible" }

func (p *OpenAICompatProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Chat Completions wire types, request side.

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function chatToolDef `json:"function"`
}

type chatToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Tools         []chatTool    `json:"tools,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

// Chat Completions wire types, response side.

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Role             string  `json:"role"`
			Content          *string `json:"content"`
			ReasoningContent *string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// toolCallBuffer assembles one tool call's arguments across chunks.
type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

// Stream issues the completion request and parses the SSE response into
// chunks. Incremental tool-call argument deltas are assembled per index and
// flushed when the backend reports the finish reason.
func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("completion request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		p.parseSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

func (p *OpenAICompatProvider) buildRequest(req Request) chatRequest {
	cr := chatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	cr.StreamOptions.IncludeUsage = true
	if req.Temperature > 0 {
		t := req.Temperature
		cr.Temperature = &t
	}

	if req.System != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		cm := chatMessage{Role: string(msg.Role), Content: msg.Content}
		for _, call := range msg.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   call.ID,
				Type: "function",
				Function: chatFunction{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		if msg.Role == RoleTool {
			cm.ToolCallID = msg.ToolCallID
			cm.Name = msg.ToolName
		}
		cr.Messages = append(cr.Messages, cm)
	}

	for _, tool := range req.Tools {
		cr.Tools = append(cr.Tools, chatTool{
			Type: "function",
			Function: chatToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return cr
}

// parseSSE reads "data:" lines until [DONE] or EOF. Malformed chunks are
// logged and skipped; a transport failure becomes an ErrorChunk.
func (p *OpenAICompatProvider) parseSSE(ctx context.Context, body io.Reader, out chan<- Chunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	calls := make(map[int]*toolCallBuffer)
	usage := UsageChunk{}
	sawUsage := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			if sawUsage {
				u := usage
				sendChunk(ctx, out, Chunk{Usage: &u})
			}
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			p.logger.Warn("skipping malformed completion chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			sawUsage = true
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.FinishReason != nil {
			usage.StopReason = *choice.FinishReason
			if !p.flushToolCalls(ctx, calls, out) {
				return
			}
			continue
		}

		for _, tc := range choice.Delta.ToolCalls {
			buf, exists := calls[tc.Index]
			if !exists {
				buf = &toolCallBuffer{id: tc.ID, name: tc.Function.Name}
				calls[tc.Index] = buf
			}
			buf.args.WriteString(tc.Function.Arguments)
		}
		if rc := choice.Delta.ReasoningContent; rc != nil && *rc != "" {
			if !sendChunk(ctx, out, Chunk{Thinking: &ThinkingChunk{Content: *rc}}) {
				return
			}
		}
		if c := choice.Delta.Content; c != nil && *c != "" {
			if !sendChunk(ctx, out, Chunk{Text: &TextChunk{Content: *c}}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		p.logger.Error("completion stream read failed", "error", err)
		sendChunk(ctx, out, Chunk{Err: &ErrorChunk{Message: "stream read error: " + err.Error(), Retryable: true}})
	}
}

// flushToolCalls emits the assembled calls in backend index order. It
// reports false when the context ended before every call went out.
func (p *OpenAICompatProvider) flushToolCalls(ctx context.Context, calls map[int]*toolCallBuffer, out chan<- Chunk) bool {
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		buf := calls[idx]
		args := buf.args.String()
		if args == "" {
			args = "{}"
		}
		ok := sendChunk(ctx, out, Chunk{ToolCall: &ToolCallChunk{Call: ToolCall{
			ID:        buf.id,
			Name:      buf.name,
			Arguments: args,
		}}})
		if !ok {
			return false
		}
		delete(calls, idx)
	}
	return true
}
