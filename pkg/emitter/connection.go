package emitter

import (
	"sync"
	"time"
)

// connState is a connection's delivery state.
type connState int

const (
	connActive connState = iota
	// connDisconnecting marks a connection whose queue overflowed on a
	// heartbeat. The reaper tears it down; no further frames are queued.
	connDisconnecting
	connDisconnected
)

// Connection is one subscriber's delivery endpoint: a bounded queue of
// encoded frames plus the liveness bookkeeping around it.
type Connection struct {
	ClientID string
	StreamID string

	mu           sync.Mutex
	state        connState
	queue        chan string
	done         chan struct{}
	connectedAt  time.Time
	lastActivity time.Time
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

func newConnection(clientID, streamID string, queueSize int) *Connection {
	now := time.Now()
	return &Connection{
		ClientID:     clientID,
		StreamID:     streamID,
		state:        connActive,
		queue:        make(chan string, queueSize),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
	}
}

// tryEnqueue attempts a non-blocking enqueue. Returns (queued, alive).
func (c *Connection) tryEnqueue(frame string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != connActive {
		return false, false
	}
	select {
	case c.queue <- frame:
		c.lastActivity = time.Now()
		return true, true
	default:
		return false, true
	}
}

// enqueue delivers a frame, polling until the deadline when the queue is
// full. Returns false with a nil error on timeout; false with an error when
// the connection is gone.
func (c *Connection) enqueue(frame string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		queued, alive := c.tryEnqueue(frame)
		if queued {
			return true, nil
		}
		if !alive {
			return false, ErrClientDisconnected
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-c.done:
			return false, ErrClientDisconnected
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// enqueueHeartbeat pushes a liveness frame without waiting. A full queue
// means the consumer has stalled; the connection is marked for the reaper.
func (c *Connection) enqueueHeartbeat(frame string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != connActive {
		return false
	}
	select {
	case c.queue <- frame:
		c.lastActivity = time.Now()
		return true
	default:
		c.state = connDisconnecting
		return false
	}
}

// close transitions to disconnected and closes the queue so a draining
// consumer reads the remaining frames and then sees the channel close.
// Safe to call more than once.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == connDisconnected {
		return
	}
	c.state = connDisconnected
	close(c.queue)
	close(c.done)
}

func (c *Connection) stale(timeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == connDisconnecting {
		return true
	}
	return timeout > 0 && now.Sub(c.lastActivity) > timeout
}
