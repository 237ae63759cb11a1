// Package agent runs model-driven task execution: it drives a chat
// completion provider through a reason/act loop, executes requested tools,
// and adapts the run into the event stream subscribers consume.
package agent

import "context"

// Role identifies a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall // assistant turns that requested tools
	ToolCallID string     // tool turns: which call this result answers
	ToolName   string
}

// ToolCall is a provider-requested tool invocation. Arguments is the raw
// JSON the model produced; it is validated against the tool's schema before
// execution.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one provider round trip.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	System      string
	Messages    []Message
	Tools       []ToolDefinition
}

// Chunk is one element of a provider's streamed response. Exactly one
// variant per value.
type Chunk struct {
	Text     *TextChunk
	Thinking *ThinkingChunk
	ToolCall *ToolCallChunk
	Usage    *UsageChunk
	Err      *ErrorChunk
}

// TextChunk is a piece of assistant text.
type TextChunk struct {
	Content string
}

// ThinkingChunk is a piece of model reasoning.
type ThinkingChunk struct {
	Content string
}

// ToolCallChunk is a complete tool invocation request. Providers buffer
// partial argument deltas internally and emit one chunk per finished call.
type ToolCallChunk struct {
	Call ToolCall
}

// UsageChunk reports token consumption, sent once near the end of a
// response.
type UsageChunk struct {
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// ErrorChunk reports a mid-stream provider failure.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

// Provider is a streaming chat completion backend. Stream returns
// immediately with a channel the provider closes when the response ends;
// a mid-response failure arrives as an ErrorChunk before the close.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	Close() error
}

// sendChunk delivers one chunk to the consumer. It reports false when the
// request context ends first, which is the signal for the producing
// goroutine to bail out instead of blocking on a channel nobody drains.
func sendChunk(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
