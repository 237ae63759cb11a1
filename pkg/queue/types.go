// Package queue drains submitted tasks FIFO through a pool of workers,
// each of which runs the agent for one task at a time and records the
// outcome in the task store.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueFull indicates the submission channel is at capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrQueueStopped indicates the queue is not accepting submissions.
	ErrQueueStopped = errors.New("task queue stopped")
)

// TaskExecutor runs one task to completion. The executor owns the whole
// run: resolving the bot, driving the agent, and streaming events. The
// worker only handles claiming, retries, and the terminal status write.
type TaskExecutor interface {
	Execute(ctx context.Context, task *models.Task) error
}

// Broadcaster receives task lifecycle notifications for fan-out to
// dashboard transports. Implementations must not block.
type Broadcaster interface {
	BroadcastTask(task *models.Task)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// Health contains health information for the whole queue.
type Health struct {
	IsHealthy     bool           `json:"is_healthy"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	RunningTasks  int            `json:"running_tasks"`
	QueueDepth    int            `json:"queue_depth"`
	QueueCapacity int            `json:"queue_capacity"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
