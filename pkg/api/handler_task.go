package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
	"github.com/ghostflow-ai/ghostflow/pkg/store"
)

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Bot          string `json:"bot" binding:"required"`
	Namespace    string `json:"namespace"`
	Prompt       string `json:"prompt" binding:"required"`
	ThreadID     string `json:"thread_id"`
	ShowThinking bool   `json:"show_thinking"`
}

// CreateTaskResponse is returned by POST /api/v1/tasks.
type CreateTaskResponse struct {
	TaskID   string            `json:"task_id"`
	ThreadID string            `json:"thread_id"`
	Status   models.TaskStatus `json:"status"`
}

// CancelTaskResponse is returned by POST /api/v1/tasks/:id/cancel.
type CancelTaskResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// createTaskHandler handles POST /api/v1/tasks: persist the task, then
// submit it to the queue. A full queue fails the task immediately rather
// than leaving it pending forever.
func (s *Server) createTaskHandler(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{ErrorCode: "VALIDATION", Message: err.Error()})
		return
	}

	caller := identityFrom(c)
	if req.Namespace == "" {
		req.Namespace = caller.Namespace
	}

	ctx := c.Request.Context()
	if _, err := s.resources.Get(ctx, models.KindBot, req.Namespace, req.Bot); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.abortWithError(c, &store.ValidationError{
				Field:   "bot",
				Message: "bot " + strconv.Quote(req.Bot) + " not found in namespace " + strconv.Quote(req.Namespace),
			})
			return
		}
		s.abortWithError(c, err)
		return
	}

	task := &models.Task{
		ID:           uuid.NewString(),
		Namespace:    req.Namespace,
		Bot:          req.Bot,
		ThreadID:     req.ThreadID,
		Prompt:       req.Prompt,
		ShowThinking: req.ShowThinking,
		SubmittedBy:  caller.UserID,
	}
	// A task without an explicit thread starts its own conversation.
	if task.ThreadID == "" {
		task.ThreadID = task.ID
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		s.abortWithError(c, err)
		return
	}

	if err := s.queue.Enqueue(task.ID); err != nil {
		if _, failErr := s.tasks.Fail(ctx, task.ID, err.Error()); failErr != nil {
			s.logger.Error("failed to mark unqueued task failed", "task_id", task.ID, "error", failErr)
		}
		s.abortWithError(c, err)
		return
	}

	s.hub.BroadcastTask(task)
	s.logger.Info("task submitted", "task_id", task.ID, "bot", task.Bot, "namespace", task.Namespace)
	c.JSON(http.StatusCreated, CreateTaskResponse{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   task.Status,
	})
}

// listTasksHandler handles GET /api/v1/tasks.
func (s *Server) listTasksHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			c.JSON(http.StatusBadRequest, errorResponse{
				ErrorCode: "VALIDATION", Message: "limit must be an integer between 1 and 200"})
			return
		}
		limit = n
	}

	tasks, err := s.tasks.List(c.Request.Context(), c.Query("namespace"), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// getTaskHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskHandler(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// taskMessagesHandler handles GET /api/v1/tasks/:id/messages.
func (s *Server) taskMessagesHandler(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		s.abortWithError(c, err)
		return
	}

	messages, err := s.messages.TaskHistory(ctx, taskID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// cancelTaskHandler handles POST /api/v1/tasks/:id/cancel. A running
// task is aborted through its worker context; a pending one is frozen in
// the store so the worker skips it on claim.
func (s *Server) cancelTaskHandler(c *gin.Context) {
	taskID := c.Param("id")

	wasRunning := s.queue.Cancel(taskID)

	task, err := s.tasks.Cancel(c.Request.Context(), taskID)
	if err != nil {
		// The worker may already be writing the terminal status after the
		// context cancellation above.
		if !(wasRunning && errors.Is(err, store.ErrTaskTerminal)) {
			s.abortWithError(c, err)
			return
		}
	}
	if task != nil {
		s.hub.BroadcastTask(task)
	}

	s.logger.Info("task cancellation requested", "task_id", taskID, "was_running", wasRunning)
	c.JSON(http.StatusOK, CancelTaskResponse{
		TaskID:  taskID,
		Message: "task cancellation requested",
	})
}

// deleteTaskHandler handles DELETE /api/v1/tasks/:id (soft delete).
func (s *Server) deleteTaskHandler(c *gin.Context) {
	if err := s.tasks.SoftDelete(c.Request.Context(), c.Param("id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
