package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostflow-ai/ghostflow/pkg/queue"
	"github.com/ghostflow-ai/ghostflow/pkg/store"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// errorResponse is the JSON body for every 4xx/5xx management response.
type errorResponse struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// mapError translates store, stream, and queue errors into an HTTP status
// and wire body. Unrecognized errors become opaque 500s; the detail stays
// in the log, not the response.
func mapError(err error) (int, errorResponse) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, errorResponse{
			ErrorCode: "VALIDATION",
			Message:   validErr.Message,
			Details:   map[string]any{"field": validErr.Field},
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Message: "record not found"}
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, errorResponse{ErrorCode: "ALREADY_EXISTS", Message: "record already exists"}
	case errors.Is(err, store.ErrTaskTerminal):
		return http.StatusConflict, errorResponse{ErrorCode: "TASK_TERMINAL", Message: "task already reached a terminal state"}

	case errors.Is(err, stream.ErrStreamNotFound):
		return http.StatusNotFound, errorResponse{ErrorCode: "STREAM_NOT_FOUND", Message: "stream not found"}
	case errors.Is(err, stream.ErrStreamAlreadyExists):
		return http.StatusConflict, errorResponse{ErrorCode: "STREAM_EXISTS", Message: "stream already exists"}
	case errors.Is(err, stream.ErrStreamCompleted):
		return http.StatusGone, errorResponse{ErrorCode: "STREAM_COMPLETED", Message: "stream is terminal and its buffer is gone"}
	case errors.Is(err, stream.ErrInvalidOffset):
		return http.StatusBadRequest, errorResponse{ErrorCode: "INVALID_OFFSET", Message: "offset is out of the stream's assigned range"}
	case errors.Is(err, stream.ErrTooManyClients):
		return http.StatusTooManyRequests, errorResponse{ErrorCode: "TOO_MANY_CLIENTS", Message: "stream client limit reached"}
	case errors.Is(err, stream.ErrCancelTimeout):
		return http.StatusGatewayTimeout, errorResponse{ErrorCode: "CANCEL_TIMEOUT", Message: "timed out waiting for the stream to stop"}

	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable, errorResponse{ErrorCode: "QUEUE_FULL", Message: "task queue is at capacity"}
	case errors.Is(err, queue.ErrQueueStopped):
		return http.StatusServiceUnavailable, errorResponse{ErrorCode: "QUEUE_STOPPED", Message: "task queue is not accepting submissions"}
	}

	return http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL", Message: "internal server error"}
}

// abortWithError writes the mapped error response and stops the handler
// chain.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status, body := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("unexpected handler error", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}
