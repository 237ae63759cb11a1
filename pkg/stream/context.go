package stream

import (
	"context"
	"sync"

	"github.com/ghostflow-ai/ghostflow/pkg/events"
)

// Producer generates the events of one stream. It sends domain events on
// out and returns when the run is over: nil for success, an error for
// failure. The producer must stop promptly when ctx is cancelled. It may
// send a final complete event carrying token usage and finish reason; the
// core rewrites its final offset before emitting.
type Producer func(ctx context.Context, out chan<- events.Event) error

// CodedError carries a machine-readable error code into the stream's
// terminal error event. Producers return it (or wrap it) to control the
// error_code subscribers see; anything else maps to STREAM_ERROR.
type CodedError struct {
	Code        string
	Message     string
	Details     map[string]any
	Recoverable bool
}

func (e *CodedError) Error() string {
	return e.Code + ": " + e.Message
}

// streamContext is the per-stream coordination block. emitMu serializes
// offset assignment, buffer append, and fan-out; ConnectClient holds it
// across replay so a joining client never sees a live frame before its
// replay finishes.
type streamContext struct {
	emitMu sync.Mutex

	cancelOnce sync.Once
	cancelled  chan struct{}
	reasonMu   sync.Mutex
	reason     string

	started bool
	done    chan struct{}
}

func newStreamContext() *streamContext {
	return &streamContext{
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// cancel requests stream cancellation. The first caller's reason wins.
func (sc *streamContext) cancel(reason string) {
	sc.cancelOnce.Do(func() {
		sc.reasonMu.Lock()
		sc.reason = reason
		sc.reasonMu.Unlock()
		close(sc.cancelled)
	})
}

func (sc *streamContext) cancelReason() string {
	sc.reasonMu.Lock()
	defer sc.reasonMu.Unlock()
	return sc.reason
}
