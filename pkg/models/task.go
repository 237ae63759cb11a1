// Package models holds the persisted domain records: tasks submitted for
// agent execution, the messages they exchange, and the configuration
// resources (bots, ghosts, models, shells, skills, teams) that describe
// how a bot runs.
package models

import "time"

// TaskStatus is a task's queue lifecycle state. Terminal statuses are
// frozen; a finished task never changes again.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one unit of agent work submitted through the API and drained by
// the queue worker.
type Task struct {
	ID        string     `json:"id"`
	Namespace string     `json:"namespace"`
	Bot       string     `json:"bot"`
	ThreadID  string     `json:"thread_id"`
	Prompt    string     `json:"prompt"`
	Status    TaskStatus `json:"status"`
	// ShowThinking forwards model reasoning to the task's stream.
	ShowThinking bool       `json:"show_thinking"`
	StreamID     string     `json:"stream_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts"`
	SubmittedBy  string     `json:"submitted_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.DeletedAt = cloneTime(t.DeletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MessageRole identifies who produced a persisted message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Message is one persisted conversation turn. Sequence is dense per
// (task, thread): 0, 1, 2, ... with no gaps, assigned at insert.
type Message struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	ThreadID  string      `json:"thread_id"`
	Sequence  int         `json:"sequence"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	ToolName  string      `json:"tool_name,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Clone returns a copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	return &out
}
