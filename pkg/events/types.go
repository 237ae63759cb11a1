// Package events defines the typed event stream produced by agent runs and
// delivered to subscribers over SSE and WebSocket.
//
// Events are value objects: constructors build them with a zero offset
// placeholder, and the streaming core attaches the real per-stream offset
// exactly once via WithOffset. Nothing downstream ever sees an event without
// its offset: the core appends to the buffer and fans out only the copy
// returned by WithOffset.
//
// Two independent counters appear on the wire:
//   - offset: per-stream, assigned by the streaming core at append time.
//   - sequence: global, assigned by the emitter at wire-out time, used as
//     the SSE "id:" field.
package events

import "time"

// Type identifies an event variant. The set is closed.
type Type string

// Event variants.
const (
	TypeChunk      Type = "chunk"
	TypeToolStart  Type = "tool_start"
	TypeToolResult Type = "tool_result"
	TypeThinking   Type = "thinking"
	TypeOffset     Type = "offset"
	TypeError      Type = "error"
	TypeComplete   Type = "complete"
	TypeCancelled  Type = "cancelled"

	// TypeHeartbeat appears on the wire only; it is never buffered and
	// never receives an offset.
	TypeHeartbeat Type = "heartbeat"
)

// Terminal reports whether the variant ends a stream.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeCancelled || t == TypeError
}

// Payload is the variant-specific body of an event. Implementations live in
// payloads.go; the set is closed.
type Payload interface {
	payloadType() Type
}

// Event is one element of a stream. Immutable after construction: WithOffset
// returns a copy, it does not mutate the receiver.
type Event struct {
	Type      Type
	Offset    uint64
	Timestamp time.Time
	SessionID string
	Data      Payload
}

// WithOffset returns a copy of the event with the assigned offset, session
// ID, and the assignment timestamp. Called exactly once per event, by the
// streaming core, under the stream's emit ordering lock.
func (e Event) WithOffset(offset uint64, sessionID string) Event {
	e.Offset = offset
	e.SessionID = sessionID
	e.Timestamp = time.Now().UTC()
	return e
}

// WireEvent is the JSON shape shared by SSE data lines and WebSocket frames.
type WireEvent struct {
	Type      Type      `json:"type"`
	Offset    uint64    `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Data      Payload   `json:"data"`
}

// WirePayload builds the wire representation with the emitter-assigned
// sequence number.
func (e Event) WirePayload(sequence uint64) WireEvent {
	return WireEvent{
		Type:      e.Type,
		Offset:    e.Offset,
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
		Sequence:  sequence,
		Data:      e.Data,
	}
}
