package stream

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the state registry and the streaming core.
// Callers branch with errors.Is; the HTTP layer maps them to status codes.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamAlreadyExists = errors.New("stream already exists")
	ErrStreamCompleted     = errors.New("stream already reached a terminal state")
	ErrClientNotFound      = errors.New("client not found")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrTooManyClients      = errors.New("too many concurrent clients")
	ErrCancelTimeout       = errors.New("timed out waiting for stream to stop")
)

// InvalidTransitionError reports a status change the lifecycle graph does
// not allow.
type InvalidTransitionError struct {
	StreamID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("stream %s: invalid transition %s -> %s", e.StreamID, e.From, e.To)
}
