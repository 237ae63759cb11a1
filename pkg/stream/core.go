package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostflow-ai/ghostflow/pkg/buffer"
	"github.com/ghostflow-ai/ghostflow/pkg/emitter"
	"github.com/ghostflow-ai/ghostflow/pkg/events"
	"github.com/ghostflow-ai/ghostflow/pkg/metrics"
)

// Config tunes the streaming core.
type Config struct {
	// BufferSize is the per-stream replay buffer capacity.
	BufferSize int
	// BufferAge expires buffered events by age. Zero disables expiry.
	BufferAge time.Duration
	// EnableRecovery allows clients to resume from an offset. When off,
	// resume requests connect fresh.
	EnableRecovery bool
	// EmitCheckpoints turns on synthetic offset checkpoint events.
	EmitCheckpoints bool
	// CheckpointInterval is the number of real events between checkpoints.
	CheckpointInterval int
	// MaxConcurrentClients caps subscribers per stream. Zero means no cap.
	MaxConcurrentClients int
	// CancelTimeout bounds the wait for a cancelled producer to stop.
	CancelTimeout time.Duration
	// Retention is how long terminal stream metadata is kept for replay.
	Retention time.Duration
	// CleanupInterval is the period of the background cleanup pass.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:           1000,
		BufferAge:            time.Hour,
		EnableRecovery:       true,
		EmitCheckpoints:      true,
		CheckpointInterval:   50,
		MaxConcurrentClients: 0,
		CancelTimeout:        5 * time.Second,
		Retention:            time.Hour,
		CleanupInterval:      60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 50
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	return c
}

// RecoveryInfo is what a resuming client learns before reconnecting.
type RecoveryInfo struct {
	StreamID   string          `json:"stream_id"`
	Status     Status          `json:"status"`
	NextOffset uint64          `json:"next_offset"`
	Coverage   buffer.Coverage `json:"coverage"`
}

// Core owns stream execution: it runs producers, assigns offsets, buffers
// for replay, and fans out through the emitter. One instance per process.
type Core struct {
	cfg     Config
	logger  *slog.Logger
	state   *State
	buffers *buffer.StreamBuffers
	emitter *emitter.Emitter

	mu       sync.Mutex
	contexts map[string]*streamContext

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCore wires the streaming core. The emitter is shared with the HTTP
// layer so transports can hand frames straight to clients.
func NewCore(cfg Config, em *emitter.Emitter, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Core{
		cfg:      cfg,
		logger:   logger.With("component", "stream_core"),
		state:    NewState(),
		buffers:  buffer.NewStreamBuffers(cfg.BufferSize, cfg.BufferAge),
		emitter:  em,
		contexts: make(map[string]*streamContext),
		stopCh:   make(chan struct{}),
	}
}

// State exposes the registry for status queries.
func (c *Core) State() *State { return c.state }

// Buffers exposes the replay buffers for transports that do their own
// catch-up (the WebSocket hub).
func (c *Core) Buffers() *buffer.StreamBuffers { return c.buffers }

// Start launches the background cleanup loop.
func (c *Core) Start() {
	c.wg.Add(1)
	go c.cleanupLoop()
	c.logger.Info("stream core started",
		"buffer_size", c.cfg.BufferSize,
		"recovery_enabled", c.cfg.EnableRecovery)
}

// Stop cancels every active stream and waits for their producers, bounded
// by the cancel timeout each.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	active := make([]*streamContext, 0, len(c.contexts))
	for _, sc := range c.contexts {
		active = append(active, sc)
	}
	c.mu.Unlock()

	for _, sc := range active {
		sc.cancel("shutdown")
	}
	for _, sc := range active {
		if !sc.started {
			continue
		}
		select {
		case <-sc.done:
		case <-time.After(c.cfg.CancelTimeout):
		}
	}
	c.wg.Wait()
	c.logger.Info("stream core stopped")
}

func (c *Core) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			removed := c.state.CleanupOldStreams(c.cfg.Retention)
			for _, id := range removed {
				c.buffers.Remove(id)
				c.mu.Lock()
				delete(c.contexts, id)
				c.mu.Unlock()
			}
			expired := c.buffers.CleanupExpired()
			reaped := c.emitter.DisconnectStaleClients()
			if len(removed) > 0 || expired > 0 || reaped > 0 {
				c.logger.Debug("cleanup pass",
					"streams_removed", len(removed),
					"events_expired", expired,
					"clients_reaped", reaped)
			}
		}
	}
}

// CreateStream registers a pending stream for a task.
func (c *Core) CreateStream(streamID, taskID string, showThinking bool) (*Session, error) {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	sess, err := c.state.CreateStream(streamID, taskID, showThinking)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.contexts[streamID] = newStreamContext()
	c.mu.Unlock()

	c.buffers.GetOrCreate(streamID)
	metrics.StreamsCreated.Inc()
	metrics.StreamsActive.Inc()
	c.logger.Info("stream created", "stream_id", streamID, "task_id", taskID)
	return sess, nil
}

// StartStream launches the producer for a pending stream. The processing
// loop runs until the producer finishes, fails, or the stream is cancelled.
func (c *Core) StartStream(streamID string, producer Producer) error {
	sess, err := c.state.GetStream(streamID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return ErrStreamCompleted
	}

	c.mu.Lock()
	sc, ok := c.contexts[streamID]
	if ok && !sc.started {
		sc.started = true
	} else if ok {
		c.mu.Unlock()
		return ErrStreamAlreadyExists
	}
	c.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}

	c.wg.Add(1)
	go c.run(sc, streamID, producer)
	return nil
}

// run is the per-stream processing loop. It is the only goroutine that
// assigns this stream's offsets.
func (c *Core) run(sc *streamContext, streamID string, producer Producer) {
	defer c.wg.Done()
	defer close(sc.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan events.Event, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- producer(ctx, out)
		close(out)
	}()

	var (
		lastReal       uint64
		sawReal        bool
		sinceCheckmark int
		completed      *events.Event
	)

loop:
	for {
		select {
		case <-sc.cancelled:
			cancel()
			// Give the producer a bounded window to return, then
			// finalize regardless.
			select {
			case <-errCh:
			case <-time.After(c.cfg.CancelTimeout):
				c.logger.Warn("producer ignored cancellation", "stream_id", streamID)
			}
			c.finalizeCancelled(sc, streamID, sc.cancelReason(), lastReal)
			return

		case ev, open := <-out:
			if !open {
				break loop
			}
			if ev.Type == events.TypeComplete {
				// Producers send this last to report usage; the
				// core owns the final offset and emission order.
				completed = &ev
				continue
			}
			off, err := c.emitEvent(sc, streamID, ev)
			if err != nil {
				c.logger.Error("emit failed, aborting stream", "stream_id", streamID, "error", err)
				cancel()
				<-errCh
				c.finalizeError(sc, streamID, &CodedError{Code: "STREAM_ERROR", Message: err.Error()}, lastReal)
				return
			}
			lastReal = off
			sawReal = true

			sinceCheckmark++
			if c.cfg.EmitCheckpoints && sinceCheckmark >= c.cfg.CheckpointInterval {
				sinceCheckmark = 0
				c.emitCheckpoint(sc, streamID, lastReal)
			}
		}
	}

	if err := <-errCh; err != nil {
		c.finalizeError(sc, streamID, err, lastReal)
		return
	}

	final := events.NewComplete(lastReal, nil, "stop")
	if completed != nil {
		if p, ok := completed.Data.(events.CompletePayload); ok {
			p.FinalOffset = lastReal
			final = events.Event{Type: events.TypeComplete, Timestamp: completed.Timestamp, Data: p}
		}
	}
	if !sawReal {
		final = events.NewComplete(0, nil, "empty")
	}
	c.finalize(sc, streamID, StatusCompleted, final)
}

// emitEvent assigns the offset, buffers, and fans out, all under the
// stream's emit ordering lock.
func (c *Core) emitEvent(sc *streamContext, streamID string, ev events.Event) (uint64, error) {
	sc.emitMu.Lock()
	defer sc.emitMu.Unlock()
	return c.emitEventLocked(streamID, ev)
}

// emitEventLocked is emitEvent with the caller holding the emit lock.
func (c *Core) emitEventLocked(streamID string, ev events.Event) (uint64, error) {
	off, err := c.state.NextOffset(streamID)
	if err != nil {
		return 0, err
	}
	assigned := ev.WithOffset(off, streamID)
	c.buffers.GetOrCreate(streamID).Append(assigned)
	c.state.RecordEventType(streamID, string(assigned.Type))
	c.emitter.EmitToStream(streamID, assigned)
	metrics.EventsEmitted.WithLabelValues(string(assigned.Type)).Inc()
	return off, nil
}

func (c *Core) emitCheckpoint(sc *streamContext, streamID string, lastReal uint64) {
	data := map[string]any{"last_offset": lastReal}
	if err := c.state.SetCheckpoint(streamID, data); err != nil {
		return
	}
	if _, err := c.emitEvent(sc, streamID, events.NewCheckpoint(data, true)); err != nil {
		c.logger.Warn("checkpoint emit failed", "stream_id", streamID, "error", err)
	}
}

func (c *Core) finalizeCancelled(sc *streamContext, streamID, reason string, lastReal uint64) {
	c.finalize(sc, streamID, StatusCancelled, events.NewCancelled(reason, lastReal))
}

func (c *Core) finalizeError(sc *streamContext, streamID string, cause error, lastReal uint64) {
	coded := &CodedError{}
	if !errors.As(cause, &coded) {
		coded = &CodedError{Code: "STREAM_ERROR", Message: cause.Error()}
	}
	ev := events.NewError(coded.Code, coded.Message, coded.Details, coded.Recoverable)
	c.finalize(sc, streamID, StatusError, ev)
}

// finalize emits the terminal event, moves the stream to its final status,
// and tears down the remaining subscribers. Their queues drain and close.
// Emission and the status flip share one critical section so a connecting
// client either joins before the terminal frame or sees the stream as
// terminal, never neither.
func (c *Core) finalize(sc *streamContext, streamID string, status Status, terminal events.Event) {
	sc.emitMu.Lock()
	if _, err := c.emitEventLocked(streamID, terminal); err != nil {
		c.logger.Error("terminal emit failed", "stream_id", streamID, "error", err)
	}
	if status == StatusError {
		msg := ""
		if p, ok := terminal.Data.(events.ErrorPayload); ok {
			msg = p.Message
		}
		if _, err := c.state.MarkError(streamID, msg); err != nil && !errors.Is(err, ErrStreamCompleted) {
			c.logger.Warn("mark error failed", "stream_id", streamID, "error", err)
		}
	} else {
		if _, err := c.state.UpdateStreamStatus(streamID, status); err != nil && !errors.Is(err, ErrStreamCompleted) {
			c.logger.Warn("terminal status update failed", "stream_id", streamID, "status", status, "error", err)
		}
	}
	sc.emitMu.Unlock()

	for _, sub := range c.state.GetStreamClients(streamID) {
		c.emitter.UnregisterClient(sub.ClientID)
		c.state.DisconnectClient(streamID, sub.ClientID)
	}
	metrics.StreamsFinished.WithLabelValues(string(status)).Inc()
	metrics.StreamsActive.Dec()
	c.logger.Info("stream finished", "stream_id", streamID, "status", status, "event_type", terminal.Type)
}

// CancelStream requests cancellation and waits for the stream to reach a
// terminal state, bounded by the cancel timeout.
func (c *Core) CancelStream(ctx context.Context, streamID, reason string) error {
	sess, err := c.state.GetStream(streamID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return ErrStreamCompleted
	}

	c.mu.Lock()
	sc, ok := c.contexts[streamID]
	started := ok && sc.started
	c.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}

	if !started {
		// No producer to stop: finalize inline.
		c.finalizeCancelled(sc, streamID, reason, 0)
		return nil
	}

	sc.cancel(reason)
	select {
	case <-sc.done:
		return nil
	case <-time.After(c.cfg.CancelTimeout + time.Second):
		return ErrCancelTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectClient attaches a subscriber to a stream and returns its frame
// channel. With resumeFrom set (and recovery enabled), buffered events from
// that offset are queued first; the client sees replay strictly before any
// live frame. On a terminal stream the channel carries the replay and then
// closes.
func (c *Core) ConnectClient(ctx context.Context, streamID, clientID string, resumeFrom *uint64) (string, <-chan string, error) {
	sess, err := c.state.GetStream(streamID)
	if err != nil {
		return "", nil, err
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if resumeFrom != nil {
		if err := c.state.ValidateOffset(streamID, *resumeFrom); err != nil {
			return "", nil, err
		}
		if !c.cfg.EnableRecovery {
			resumeFrom = nil
		}
	}

	if sess.Status.Terminal() {
		return c.connectReplay(streamID, clientID, resumeFrom)
	}

	c.mu.Lock()
	sc, ok := c.contexts[streamID]
	c.mu.Unlock()
	if !ok {
		// Registry has the stream but the context was cleaned up; it
		// must be terminal by now.
		return c.connectReplay(streamID, clientID, resumeFrom)
	}

	sub, err := c.state.RegisterClient(streamID, clientID, resumeFrom, c.cfg.MaxConcurrentClients)
	if err != nil {
		return "", nil, err
	}

	sc.emitMu.Lock()
	// Status may have flipped to terminal while we queued for the lock.
	if cur, err := c.state.GetStream(streamID); err == nil && cur.Status.Terminal() {
		sc.emitMu.Unlock()
		c.state.DisconnectClient(streamID, clientID)
		return c.connectReplay(streamID, clientID, resumeFrom)
	}

	_, conn := c.emitter.RegisterClient(clientID, streamID)
	if resumeFrom != nil {
		c.replay(streamID, clientID, *resumeFrom)
	}
	if err := c.emitter.Attach(clientID); err != nil {
		sc.emitMu.Unlock()
		c.state.DisconnectClient(streamID, clientID)
		return "", nil, err
	}
	sc.emitMu.Unlock()

	ch, err := c.emitter.EventStream(ctx, clientID)
	if err != nil {
		c.state.DisconnectClient(streamID, clientID)
		return "", nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-conn.Done():
		}
		c.state.DisconnectClient(streamID, clientID)
	}()

	if sub.ResumedFrom != nil {
		metrics.ClientRecoveries.Inc()
	}
	c.logger.Debug("client connected", "stream_id", streamID, "client_id", clientID,
		"resumed", sub.ResumedFrom != nil)
	return clientID, ch, nil
}

// connectReplay serves a terminal stream: queue the buffered tail, then
// close. The subscriber drains the queue and sees the channel close.
func (c *Core) connectReplay(streamID, clientID string, resumeFrom *uint64) (string, <-chan string, error) {
	var from uint64
	if resumeFrom != nil {
		from = *resumeFrom
	}

	buf, ok := c.buffers.Get(streamID)
	if !ok {
		return "", nil, ErrStreamCompleted
	}

	clientID, _ = c.emitter.RegisterClient(clientID, streamID)
	ch, err := c.emitter.EventStream(context.Background(), clientID)
	if err != nil {
		return "", nil, err
	}

	replayed := buf.GetFrom(from, 0)
	if _, err := c.emitter.EmitBatch(clientID, replayed, time.Second); err != nil && !errors.Is(err, emitter.ErrClientDisconnected) {
		c.logger.Warn("terminal replay failed", "stream_id", streamID, "client_id", clientID, "error", err)
	}
	c.emitter.UnregisterClient(clientID)

	c.logger.Debug("terminal replay served", "stream_id", streamID, "client_id", clientID, "events", len(replayed))
	return clientID, ch, nil
}

// replay queues buffered events from the given offset. Caller holds the
// stream's emit lock, so no live frame can interleave.
func (c *Core) replay(streamID, clientID string, from uint64) {
	buf, ok := c.buffers.Get(streamID)
	if !ok {
		return
	}
	replayed := buf.GetFrom(from, 0)
	if n, err := c.emitter.EmitBatch(clientID, replayed, time.Second); err != nil || n < len(replayed) {
		c.logger.Warn("replay incomplete", "stream_id", streamID, "client_id", clientID,
			"queued", n, "total", len(replayed), "error", err)
	}
}

// DisconnectClient detaches a subscriber. Idempotent.
func (c *Core) DisconnectClient(streamID, clientID string) {
	c.emitter.UnregisterClient(clientID)
	c.state.DisconnectClient(streamID, clientID)
}

// AckOffset records a client's highest processed offset.
func (c *Core) AckOffset(streamID, clientID string, offset uint64) error {
	return c.state.UpdateClientOffset(streamID, clientID, offset)
}

// RecoveryInfo reports whether a client could resume from the offset and
// what the buffer still holds.
func (c *Core) RecoveryInfo(streamID string, offset uint64) (RecoveryInfo, error) {
	sess, err := c.state.GetStream(streamID)
	if err != nil {
		return RecoveryInfo{}, err
	}

	info := RecoveryInfo{
		StreamID:   streamID,
		Status:     sess.Status,
		NextOffset: sess.NextOffset,
	}
	if buf, ok := c.buffers.Get(streamID); ok {
		info.Coverage = buf.Coverage(offset)
	} else {
		info.Coverage = buffer.Coverage{CanRecover: offset >= sess.NextOffset}
	}
	return info, nil
}

// StreamStatus returns a snapshot of the stream record.
func (c *Core) StreamStatus(streamID string) (*Session, error) {
	return c.state.GetStream(streamID)
}
