package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghostflow-ai/ghostflow/pkg/buffer"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// StreamStatusResponse is returned by GET /api/v1/streams/:id.
type StreamStatusResponse struct {
	StreamID      string        `json:"stream_id"`
	TaskID        string        `json:"task_id"`
	Status        stream.Status `json:"status"`
	NextOffset    uint64        `json:"next_offset"`
	ClientCount   int           `json:"client_count"`
	TotalEvents   uint64        `json:"total_events"`
	LastEventType string        `json:"last_event_type,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Buffer        *buffer.Stats `json:"buffer,omitempty"`
}

// CancelStreamRequest is the body of POST /api/v1/streams/:id/cancel.
type CancelStreamRequest struct {
	Reason string `json:"reason"`
}

// CancelStreamResponse is returned by POST /api/v1/streams/:id/cancel.
type CancelStreamResponse struct {
	StreamID string `json:"stream_id"`
	Message  string `json:"message"`
}

// streamStatusHandler handles GET /api/v1/streams/:id.
func (s *Server) streamStatusHandler(c *gin.Context) {
	streamID := c.Param("id")
	sess, err := s.core.StreamStatus(streamID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	resp := StreamStatusResponse{
		StreamID:      sess.ID,
		TaskID:        sess.TaskID,
		Status:        sess.Status,
		NextOffset:    sess.NextOffset,
		ClientCount:   sess.ClientCount,
		TotalEvents:   sess.TotalEvents,
		LastEventType: sess.LastEventType,
		Error:         sess.ErrorMessage,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
		StartedAt:     sess.StartedAt,
		CompletedAt:   sess.CompletedAt,
	}
	if buf, ok := s.core.Buffers().Get(streamID); ok {
		stats := buf.Stats()
		resp.Buffer = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// streamRecoveryHandler handles GET /api/v1/streams/:id/recovery?offset=N.
func (s *Server) streamRecoveryHandler(c *gin.Context) {
	var offset uint64
	if v := c.Query("offset"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{
				ErrorCode: "VALIDATION", Message: "offset must be a non-negative integer"})
			return
		}
		offset = n
	}

	info, err := s.core.RecoveryInfo(c.Param("id"), offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// streamEventsHandler handles GET /api/v1/streams/:id/events, the SSE
// feed. With an offset query parameter (or Last-Event-ID header) the
// buffered tail from that offset is replayed before any live frame. On a
// terminal stream the replay is served and the response ends; 410 is
// returned only when the terminal stream's buffer is already gone.
func (s *Server) streamEventsHandler(c *gin.Context) {
	streamID := c.Param("id")
	resumeFrom, err := parseResumeOffset(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			ErrorCode: "VALIDATION", Message: "offset must be a non-negative integer"})
		return
	}

	ctx := c.Request.Context()
	clientID, frames, err := s.core.ConnectClient(ctx, streamID, c.Query("client_id"), resumeFrom)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer s.core.DisconnectClient(streamID, clientID)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	s.logger.Info("sse client connected", "stream_id", streamID, "client_id", clientID,
		"resumed", resumeFrom != nil)

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if _, err := io.WriteString(c.Writer, frame); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// cancelStreamHandler handles POST /api/v1/streams/:id/cancel.
func (s *Server) cancelStreamHandler(c *gin.Context) {
	streamID := c.Param("id")
	var req CancelStreamRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{ErrorCode: "VALIDATION", Message: err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	if err := s.core.CancelStream(c.Request.Context(), streamID, req.Reason); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelStreamResponse{
		StreamID: streamID,
		Message:  "stream cancellation requested",
	})
}

// parseResumeOffset reads the resume offset from the offset query
// parameter, falling back to the Last-Event-ID header for clients that
// rely on EventSource reconnect behavior. Nil means a fresh subscription.
func parseResumeOffset(c *gin.Context) (*uint64, error) {
	v := c.Query("offset")
	if v == "" {
		v = c.GetHeader("Last-Event-ID")
	}
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
