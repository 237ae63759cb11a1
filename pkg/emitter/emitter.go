// Package emitter fans encoded event frames out to connected subscribers.
// Each client gets a bounded queue; a slow consumer never blocks the
// producer or its sibling subscribers. The emitter owns the global sequence
// counter used as the SSE id field.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostflow-ai/ghostflow/pkg/events"
	"github.com/ghostflow-ai/ghostflow/pkg/metrics"
)

// ErrClientDisconnected is returned when a frame targets a client whose
// connection is already gone.
var ErrClientDisconnected = errors.New("client disconnected")

// Config controls queue sizing and liveness behavior.
type Config struct {
	// QueueSize is the per-client frame queue capacity.
	QueueSize int
	// HeartbeatInterval is the gap between liveness frames. Zero falls
	// back to the default.
	HeartbeatInterval time.Duration
	// EnableHeartbeats turns the per-connection heartbeat loop on.
	EnableHeartbeats bool
	// StaleTimeout disconnects clients with no delivered frame for this
	// long. Zero disables idle-based reaping; overflow-based reaping
	// still applies.
	StaleTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:         1000,
		HeartbeatInterval: 30 * time.Second,
		EnableHeartbeats:  true,
		StaleTimeout:      5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Emitter routes events to per-client connections. Registration is two
// phase: RegisterClient creates the connection so replay frames can be
// queued, and Attach adds it to the stream fan-out index afterwards. The
// gap is what lets a connecting client receive its replay strictly before
// any live frame.
type Emitter struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	sequence      uint64
	conns         map[string]*Connection
	streamClients map[string]map[string]struct{}
	closed        bool
}

// New creates an emitter.
func New(cfg Config, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		cfg:           cfg.withDefaults(),
		logger:        logger.With("component", "emitter"),
		conns:         make(map[string]*Connection),
		streamClients: make(map[string]map[string]struct{}),
	}
}

// RegisterClient creates a connection for the client. An empty clientID is
// assigned a fresh UUID. The connection is NOT yet part of the stream
// fan-out; call Attach once replay (if any) has been queued.
func (e *Emitter) RegisterClient(clientID, streamID string) (string, *Connection) {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn := newConnection(clientID, streamID, e.cfg.QueueSize)

	e.mu.Lock()
	if prev, ok := e.conns[clientID]; ok {
		e.detachLocked(prev)
		prev.close()
	}
	e.conns[clientID] = conn
	heartbeats := e.cfg.EnableHeartbeats && !e.closed
	e.mu.Unlock()

	if heartbeats {
		go e.heartbeatLoop(conn)
	}

	metrics.ClientsConnected.Set(float64(e.ClientCount()))
	e.logger.Debug("client registered", "client_id", clientID, "stream_id", streamID)
	return clientID, conn
}

// Attach adds a registered client to its stream's fan-out set. Frames
// emitted to the stream reach the client from this point on.
func (e *Emitter) Attach(clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, ok := e.conns[clientID]
	if !ok {
		return ErrClientDisconnected
	}
	set := e.streamClients[conn.StreamID]
	if set == nil {
		set = make(map[string]struct{})
		e.streamClients[conn.StreamID] = set
	}
	set[clientID] = struct{}{}
	return nil
}

// UnregisterClient tears down the client's connection. Idempotent: the
// transport goroutine, the reaper, and stream teardown may all race to call
// it for the same departure.
func (e *Emitter) UnregisterClient(clientID string) {
	e.mu.Lock()
	conn, ok := e.conns[clientID]
	if ok {
		delete(e.conns, clientID)
		e.detachLocked(conn)
	}
	e.mu.Unlock()

	if ok {
		conn.close()
		metrics.ClientsConnected.Set(float64(e.ClientCount()))
		e.logger.Debug("client unregistered", "client_id", clientID, "stream_id", conn.StreamID)
	}
}

// detachLocked removes the connection from the fan-out index. Caller holds
// e.mu.
func (e *Emitter) detachLocked(conn *Connection) {
	set, ok := e.streamClients[conn.StreamID]
	if !ok {
		return
	}
	delete(set, conn.ClientID)
	if len(set) == 0 {
		delete(e.streamClients, conn.StreamID)
	}
}

// nextSequence assigns the next global sequence number.
func (e *Emitter) nextSequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.sequence
	e.sequence++
	return seq
}

// Emit delivers one event to one client, waiting up to timeout when the
// queue is full. Returns (false, nil) on timeout and (false, error) when
// the client is unknown or gone.
func (e *Emitter) Emit(clientID string, event events.Event, timeout time.Duration) (bool, error) {
	e.mu.Lock()
	conn, ok := e.conns[clientID]
	e.mu.Unlock()
	if !ok {
		return false, ErrClientDisconnected
	}

	msg, err := events.NewSSEMessage(event, e.nextSequence())
	if err != nil {
		return false, err
	}
	return conn.enqueue(msg.Encode(), timeout)
}

// EmitToStream fans one event out to every client attached to the stream,
// skipping the excluded IDs. Each attached client gets the same sequence
// number. The result maps client ID to delivery success; failed clients are
// logged and skipped, never propagated as errors.
func (e *Emitter) EmitToStream(streamID string, event events.Event, exclude ...string) map[string]bool {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	e.mu.Lock()
	targets := make([]*Connection, 0, len(e.streamClients[streamID]))
	for clientID := range e.streamClients[streamID] {
		if _, excluded := skip[clientID]; excluded {
			continue
		}
		if conn, ok := e.conns[clientID]; ok {
			targets = append(targets, conn)
		}
	}
	e.mu.Unlock()

	result := make(map[string]bool, len(targets))
	if len(targets) == 0 {
		return result
	}

	msg, err := events.NewSSEMessage(event, e.nextSequence())
	if err != nil {
		e.logger.Error("encode event failed", "stream_id", streamID, "event_type", event.Type, "error", err)
		for _, conn := range targets {
			result[conn.ClientID] = false
		}
		return result
	}
	frame := msg.Encode()

	for _, conn := range targets {
		queued, _ := conn.tryEnqueue(frame)
		result[conn.ClientID] = queued
		if !queued {
			metrics.EmitFailures.Inc()
			e.logger.Warn("dropped frame for slow client",
				"client_id", conn.ClientID, "stream_id", streamID, "event_type", event.Type)
		}
	}
	return result
}

// EmitBatch delivers events in order to one client, stopping at the first
// failure. Returns the number of events queued.
func (e *Emitter) EmitBatch(clientID string, batch []events.Event, timeout time.Duration) (int, error) {
	for i, event := range batch {
		queued, err := e.Emit(clientID, event, timeout)
		if err != nil {
			return i, err
		}
		if !queued {
			return i, nil
		}
	}
	return len(batch), nil
}

// EventStream returns the client's frame channel. The channel closes when
// the client is unregistered; cancelling the context unregisters it.
func (e *Emitter) EventStream(ctx context.Context, clientID string) (<-chan string, error) {
	e.mu.Lock()
	conn, ok := e.conns[clientID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrClientDisconnected
	}

	go func() {
		select {
		case <-ctx.Done():
			e.UnregisterClient(clientID)
		case <-conn.done:
		}
	}()
	return conn.queue, nil
}

// ClientCount returns the number of registered connections.
func (e *Emitter) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// StreamClientCount returns the number of clients attached to a stream.
func (e *Emitter) StreamClientCount(streamID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streamClients[streamID])
}

// DisconnectStaleClients unregisters connections marked by heartbeat
// overflow and, when a stale timeout is configured, connections with no
// delivered frame inside the window. Returns the number reaped.
func (e *Emitter) DisconnectStaleClients() int {
	e.mu.Lock()
	candidates := make([]*Connection, 0, len(e.conns))
	for _, conn := range e.conns {
		candidates = append(candidates, conn)
	}
	e.mu.Unlock()

	now := time.Now()
	reaped := 0
	for _, conn := range candidates {
		if conn.stale(e.cfg.StaleTimeout, now) {
			e.logger.Info("reaping stale client", "client_id", conn.ClientID, "stream_id", conn.StreamID)
			e.UnregisterClient(conn.ClientID)
			reaped++
		}
	}
	return reaped
}

// Close unregisters every client. Further registrations get connections
// without heartbeat loops; the emitter is done.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	all := make([]string, 0, len(e.conns))
	for id := range e.conns {
		all = append(all, id)
	}
	e.mu.Unlock()

	for _, id := range all {
		e.UnregisterClient(id)
	}
}

func (e *Emitter) heartbeatLoop(conn *Connection) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if !conn.enqueueHeartbeat(events.EncodeHeartbeat(time.Now())) {
				// Either the connection is closing or the queue
				// overflowed and the reaper will collect it.
				return
			}
		}
	}
}
