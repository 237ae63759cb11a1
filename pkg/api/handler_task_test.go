package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

func TestCreateTaskRunsToCompletion(t *testing.T) {
	ts := newTestServer(t, true)
	seedBot(t, ts.resources, "default")

	rec := doJSON(t, ts.router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		Bot:    "sre-bot",
		Prompt: "check the disks",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody[CreateTaskResponse](t, rec)
	require.NotEmpty(t, body.TaskID)
	// A task without an explicit thread starts its own conversation.
	assert.Equal(t, body.TaskID, body.ThreadID)

	require.Eventually(t, func() bool {
		task, err := ts.tasks.Get(context.Background(), body.TaskID)
		return err == nil && task.Status == models.TaskCompleted
	}, time.Second, 5*time.Millisecond)

	task, err := ts.tasks.Get(context.Background(), body.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "default", task.Namespace)
	assert.Equal(t, "api-client", task.SubmittedBy)
}

func TestCreateTaskUnknownBot(t *testing.T) {
	ts := newTestServer(t, true)

	rec := doJSON(t, ts.router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		Bot:    "nope",
		Prompt: "hello",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "VALIDATION", body.ErrorCode)
	assert.Contains(t, body.Message, "nope")
}

func TestCreateTaskMissingFields(t *testing.T) {
	ts := newTestServer(t, true)

	rec := doJSON(t, ts.router, http.MethodPost, "/api/v1/tasks", map[string]string{
		"bot": "sre-bot",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskQueueFull(t *testing.T) {
	// Queue never started: submissions pile up until the channel is full.
	ts := newTestServer(t, false)
	seedBot(t, ts.resources, "default")

	for i := 0; i < 4; i++ {
		rec := doJSON(t, ts.router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
			Bot: "sre-bot", Prompt: "fill the queue",
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, ts.router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		Bot: "sre-bot", Prompt: "one too many",
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "QUEUE_FULL", decodeBody[errorResponse](t, rec).ErrorCode)

	// The rejected task is failed, not left pending forever.
	tasks, err := ts.tasks.List(context.Background(), "", 0)
	require.NoError(t, err)
	failed := 0
	for _, task := range tasks {
		if task.Status == models.TaskFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestGetTask(t *testing.T) {
	ts := newTestServer(t, true)
	task := &models.Task{Bot: "sre-bot", Prompt: "hi", Namespace: "default"}
	require.NoError(t, ts.tasks.Create(context.Background(), task))

	rec := doJSON(t, ts.router, http.MethodGet, "/api/v1/tasks/"+task.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[models.Task](t, rec)
	assert.Equal(t, task.ID, got.ID)

	rec = doJSON(t, ts.router, http.MethodGet, "/api/v1/tasks/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[errorResponse](t, rec).ErrorCode)
}

func TestListTasksByNamespace(t *testing.T) {
	ts := newTestServer(t, true)
	ctx := context.Background()
	require.NoError(t, ts.tasks.Create(ctx, &models.Task{Bot: "a", Prompt: "p", Namespace: "team-a"}))
	require.NoError(t, ts.tasks.Create(ctx, &models.Task{Bot: "b", Prompt: "p", Namespace: "team-b"}))

	rec := doJSON(t, ts.router, http.MethodGet, "/api/v1/tasks?namespace=team-a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Tasks []*models.Task `json:"tasks"`
	}](t, rec)
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "team-a", body.Tasks[0].Namespace)

	rec = doJSON(t, ts.router, http.MethodGet, "/api/v1/tasks?limit=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelPendingTask(t *testing.T) {
	ts := newTestServer(t, false)
	task := &models.Task{Bot: "sre-bot", Prompt: "hi", Namespace: "default"}
	require.NoError(t, ts.tasks.Create(context.Background(), task))

	rec := doJSON(t, ts.router, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := ts.tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)

	// Terminal states are frozen; a second cancel conflicts.
	rec = doJSON(t, ts.router, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TASK_TERMINAL", decodeBody[errorResponse](t, rec).ErrorCode)
}

func TestDeleteTask(t *testing.T) {
	ts := newTestServer(t, true)
	task := &models.Task{Bot: "sre-bot", Prompt: "hi", Namespace: "default"}
	require.NoError(t, ts.tasks.Create(context.Background(), task))

	rec := doJSON(t, ts.router, http.MethodDelete, "/api/v1/tasks/"+task.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, ts.router, http.MethodGet, "/api/v1/tasks/"+task.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskMessages(t *testing.T) {
	ts := newTestServer(t, true)
	ctx := context.Background()
	task := &models.Task{Bot: "sre-bot", Prompt: "hi", Namespace: "default"}
	require.NoError(t, ts.tasks.Create(ctx, task))

	require.NoError(t, ts.messages.Create(ctx, &models.Message{
		TaskID: task.ID, ThreadID: task.ID, Role: models.MessageRoleUser, Content: "hi"}))
	require.NoError(t, ts.messages.Create(ctx, &models.Message{
		TaskID: task.ID, ThreadID: task.ID, Role: models.MessageRoleAssistant, Content: "hello"}))

	rec := doJSON(t, ts.router, http.MethodGet, "/api/v1/tasks/"+task.ID+"/messages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Messages []*models.Message `json:"messages"`
	}](t, rec)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, models.MessageRoleUser, body.Messages[0].Role)
	assert.Equal(t, models.MessageRoleAssistant, body.Messages[1].Role)

	rec = doJSON(t, ts.router, http.MethodGet, "/api/v1/tasks/unknown/messages", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
