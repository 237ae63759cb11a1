package events

import "time"

// ChunkPayload carries a token or token batch from the model.
type ChunkPayload struct {
	Text       string `json:"text"`
	IsDelta    bool   `json:"is_delta"`
	TokenCount *int   `json:"token_count,omitempty"`
}

// ToolStartPayload signals that the model requested a tool call.
type ToolStartPayload struct {
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ToolCallID string         `json:"tool_call_id"`
}

// ToolResultPayload carries the outcome of a tool execution.
type ToolResultPayload struct {
	ToolName        string `json:"tool_name"`
	ToolCallID      string `json:"tool_call_id"`
	Result          any    `json:"result,omitempty"`
	ExecutionTimeMs *int64 `json:"execution_time_ms,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ThinkingPayload carries model reasoning text (only emitted when the run
// was started with thinking enabled).
type ThinkingPayload struct {
	Text string `json:"text"`
	Step string `json:"step,omitempty"`
}

// OffsetPayload is a synthetic checkpoint marker.
type OffsetPayload struct {
	CheckpointData map[string]any `json:"checkpoint_data"`
	IsRecoverable  bool           `json:"is_recoverable"`
}

// ErrorPayload is the terminal payload of a failed stream.
type ErrorPayload struct {
	ErrorCode     string         `json:"error_code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	IsRecoverable bool           `json:"is_recoverable"`
}

// CompletePayload is the terminal payload of a successful stream.
type CompletePayload struct {
	FinalOffset  uint64 `json:"final_offset"`
	TotalTokens  *int   `json:"total_tokens,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// CancelledPayload is the terminal payload of a cancelled stream.
type CancelledPayload struct {
	Reason            string `json:"reason,omitempty"`
	CancelledAtOffset uint64 `json:"cancelled_at_offset"`
}

func (ChunkPayload) payloadType() Type      { return TypeChunk }
func (ToolStartPayload) payloadType() Type  { return TypeToolStart }
func (ToolResultPayload) payloadType() Type { return TypeToolResult }
func (ThinkingPayload) payloadType() Type   { return TypeThinking }
func (OffsetPayload) payloadType() Type     { return TypeOffset }
func (ErrorPayload) payloadType() Type      { return TypeError }
func (CompletePayload) payloadType() Type   { return TypeComplete }
func (CancelledPayload) payloadType() Type  { return TypeCancelled }

func newEvent(t Type, data Payload) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// NewChunk builds a content chunk event with a placeholder offset.
func NewChunk(text string, isDelta bool) Event {
	return newEvent(TypeChunk, ChunkPayload{Text: text, IsDelta: isDelta})
}

// NewToolStart builds a tool_start event.
func NewToolStart(toolName string, input map[string]any, callID string) Event {
	return newEvent(TypeToolStart, ToolStartPayload{ToolName: toolName, ToolInput: input, ToolCallID: callID})
}

// NewToolResult builds a tool_result event. execMs may be nil when the
// duration was not measured; errMsg is empty on success.
func NewToolResult(toolName, callID string, result any, execMs *int64, errMsg string) Event {
	return newEvent(TypeToolResult, ToolResultPayload{
		ToolName:        toolName,
		ToolCallID:      callID,
		Result:          result,
		ExecutionTimeMs: execMs,
		Error:           errMsg,
	})
}

// NewThinking builds a thinking event.
func NewThinking(text, step string) Event {
	return newEvent(TypeThinking, ThinkingPayload{Text: text, Step: step})
}

// NewCheckpoint builds a synthetic offset checkpoint event.
func NewCheckpoint(data map[string]any, recoverable bool) Event {
	if data == nil {
		data = map[string]any{}
	}
	return newEvent(TypeOffset, OffsetPayload{CheckpointData: data, IsRecoverable: recoverable})
}

// NewError builds a terminal error event.
func NewError(code, message string, details map[string]any, recoverable bool) Event {
	return newEvent(TypeError, ErrorPayload{ErrorCode: code, Message: message, Details: details, IsRecoverable: recoverable})
}

// NewComplete builds a terminal complete event. finalOffset is the offset of
// the last real (non-synthetic) event of the stream.
func NewComplete(finalOffset uint64, totalTokens *int, finishReason string) Event {
	return newEvent(TypeComplete, CompletePayload{FinalOffset: finalOffset, TotalTokens: totalTokens, FinishReason: finishReason})
}

// NewCancelled builds a terminal cancelled event.
func NewCancelled(reason string, atOffset uint64) Event {
	return newEvent(TypeCancelled, CancelledPayload{Reason: reason, CancelledAtOffset: atOffset})
}
