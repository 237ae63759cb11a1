package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// taskChannel carries task lifecycle broadcasts to every subscriber.
const taskChannel = "tasks"

// streamChannelPrefix marks per-stream channels: "stream:<stream_id>".
const streamChannelPrefix = "stream:"

// defaultWriteTimeout bounds a single WebSocket send.
const defaultWriteTimeout = 5 * time.Second

// wsClientMessage is what dashboard clients send: subscribe, unsubscribe,
// or ping. Offset requests replay from that stream offset on subscribe.
type wsClientMessage struct {
	Action  string  `json:"action"`
	Channel string  `json:"channel"`
	Offset  *uint64 `json:"offset,omitempty"`
}

// wsStreamEvent mirrors one stream frame to a subscriber. The frame is
// the SSE wire encoding, verbatim, so dashboards share one parser across
// both transports.
type wsStreamEvent struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Frame   string `json:"frame"`
}

// Hub fans stream frames and task lifecycle updates out to WebSocket
// dashboard clients. One instance per process. A subscription to
// "stream:<id>" attaches to the streaming core like an SSE client does,
// including replay-before-live catch-up; "tasks" receives lifecycle
// broadcasts from the queue and the task handlers.
type Hub struct {
	core         *stream.Core
	logger       *slog.Logger
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*wsConn

	channelMu sync.RWMutex
	channels  map[string]map[string]bool
}

// wsConn is one connected dashboard client.
type wsConn struct {
	id     string
	sock   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes sends; forwarder goroutines and broadcasts may
	// write concurrently.
	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]context.CancelFunc
}

// NewHub creates a hub bound to the streaming core.
func NewHub(core *stream.Core, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		core:         core,
		logger:       logger.With("component", "ws_hub"),
		writeTimeout: defaultWriteTimeout,
		conns:        make(map[string]*wsConn),
		channels:     make(map[string]map[string]bool),
	}
}

// wsHandler handles GET /api/v1/ws: upgrade and hand the connection to
// the hub. Blocks until the socket closes.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.HandleConnection(c.Request.Context(), conn)
}

// HandleConnection runs one client's read loop. Blocks until the socket
// closes or the parent context ends.
func (h *Hub) HandleConnection(parentCtx context.Context, sock *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:            uuid.NewString(),
		sock:          sock,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]context.CancelFunc),
	}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}
		h.dispatch(c, &msg)
	}
}

// ActiveConnections returns the count of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// BroadcastTask publishes a task lifecycle change to the tasks channel.
// Implements queue.Broadcaster.
func (h *Hub) BroadcastTask(task *models.Task) {
	if task == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"type":    "task.status",
		"channel": taskChannel,
		"task":    task,
	})
	if err != nil {
		h.logger.Error("marshal task broadcast failed", "task_id", task.ID, "error", err)
		return
	}
	h.Broadcast(taskChannel, payload)
}

// Broadcast sends a payload to every connection subscribed to a channel.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.channelMu.RLock()
	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	// Snapshot connection pointers, then send without holding any hub
	// lock; a slow socket must not stall register/unregister.
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, payload); err != nil {
			h.logger.Warn("websocket send failed", "connection_id", c.id, "channel", channel, "error", err)
		}
	}
}

func (h *Hub) dispatch(c *wsConn, msg *wsClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		h.subscribe(c, msg.Channel, msg.Offset)
	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, msg.Channel)
	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})
	default:
		h.sendJSON(c, map[string]string{"type": "error", "message": "unknown action " + msg.Action})
	}
}

func (h *Hub) subscribe(c *wsConn, channel string, offset *uint64) {
	c.mu.Lock()
	_, already := c.subscriptions[channel]
	c.mu.Unlock()
	if already {
		h.sendJSON(c, map[string]string{
			"type": "subscription.error", "channel": channel, "message": "already subscribed"})
		return
	}

	if streamID, ok := strings.CutPrefix(channel, streamChannelPrefix); ok {
		if err := h.subscribeStream(c, channel, streamID, offset); err != nil {
			h.sendJSON(c, map[string]string{
				"type": "subscription.error", "channel": channel, "message": err.Error()})
		}
		return
	}

	if channel != taskChannel {
		h.sendJSON(c, map[string]string{
			"type": "subscription.error", "channel": channel, "message": "unknown channel"})
		return
	}

	h.channelMu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.id] = true
	h.channelMu.Unlock()

	c.mu.Lock()
	c.subscriptions[channel] = func() {}
	c.mu.Unlock()

	h.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": channel})
}

// subscribeStream attaches the connection to a stream through the core
// and forwards its frames. The confirmation is sent before the forwarder
// starts so subscribers see it ahead of any replayed frame. Terminal
// streams replay their buffered tail and the channel closes.
func (h *Hub) subscribeStream(c *wsConn, channel, streamID string, offset *uint64) error {
	subCtx, subCancel := context.WithCancel(c.ctx)
	clientID, frames, err := h.core.ConnectClient(subCtx, streamID, "", offset)
	if err != nil {
		subCancel()
		return err
	}

	c.mu.Lock()
	c.subscriptions[channel] = subCancel
	c.mu.Unlock()

	h.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": channel})

	go func() {
		defer h.core.DisconnectClient(streamID, clientID)
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					h.sendJSON(c, map[string]string{"type": "channel.closed", "channel": channel})
					return
				}
				h.sendJSON(c, wsStreamEvent{Type: "stream.event", Channel: channel, Frame: frame})
			case <-subCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (h *Hub) unsubscribe(c *wsConn, channel string) {
	c.mu.Lock()
	cancel, ok := c.subscriptions[channel]
	delete(c.subscriptions, channel)
	c.mu.Unlock()
	if ok {
		cancel()
	}

	h.channelMu.Lock()
	if subs, exists := h.channels[channel]; exists {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "connection_id", c.id)
}

func (h *Hub) unregister(c *wsConn) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	for _, ch := range channels {
		h.unsubscribe(c, ch)
	}

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.cancel()
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("websocket client disconnected", "connection_id", c.id)
}

func (h *Hub) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("marshal websocket message failed", "connection_id", c.id, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		h.logger.Debug("websocket send failed", "connection_id", c.id, "error", err)
	}
}

func (h *Hub) sendRaw(c *wsConn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}
