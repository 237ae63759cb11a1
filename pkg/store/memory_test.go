package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	task := &models.Task{Bot: "sre-bot", Namespace: "default", Prompt: "investigate the alert"}
	require.NoError(t, s.Create(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskPending, task.Status)

	started, err := s.Start(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, started.Status)
	assert.Equal(t, 1, started.Attempts)
	require.NotNil(t, started.StartedAt)

	done, err := s.Complete(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestTerminalTaskIsFrozen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	task := &models.Task{Bot: "sre-bot", Prompt: "hello"}
	require.NoError(t, s.Create(ctx, task))
	_, err := s.Complete(ctx, task.ID)
	require.NoError(t, err)

	_, err = s.Fail(ctx, task.ID, "too late")
	assert.ErrorIs(t, err, ErrTaskTerminal)
	_, err = s.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskTerminal)
	_, err = s.Start(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskTerminal)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestStartRetryKeepsOriginalStartTime(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	task := &models.Task{Bot: "sre-bot", Prompt: "hello"}
	require.NoError(t, s.Create(ctx, task))

	first, err := s.Start(ctx, task.ID)
	require.NoError(t, err)
	second, err := s.Start(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Attempts)
	assert.Equal(t, first.StartedAt, second.StartedAt)
}

func TestTaskNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Start(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetStream(ctx, "missing", "stream-1"), ErrNotFound)
}

func TestListTasksByNamespace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, &models.Task{
			Bot:       "sre-bot",
			Namespace: "ops",
			Prompt:    fmt.Sprintf("task %d", i),
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Create(ctx, &models.Task{Bot: "other", Namespace: "dev", Prompt: "x"}))

	tasks, err := s.List(ctx, "ops", 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	// Newest first.
	assert.Equal(t, "task 2", tasks[0].Prompt)
	assert.Equal(t, "task 1", tasks[1].Prompt)

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSoftDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()

	task := &models.Task{Bot: "sre-bot", Prompt: "hello"}
	require.NoError(t, s.Create(ctx, task))
	require.NoError(t, s.SoftDelete(ctx, task.ID))

	_, err := s.Get(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SoftDelete(ctx, task.ID), ErrNotFound)

	removed, err := s.PurgeDeletedBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.PurgeDeletedBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMessageSequenceIsDensePerThread(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()

	for i := 0; i < 3; i++ {
		msg := &models.Message{TaskID: "task-1", ThreadID: "thread-a", Role: models.MessageRoleUser, Content: "hi"}
		require.NoError(t, s.Create(ctx, msg))
		assert.Equal(t, i, msg.Sequence)
	}

	other := &models.Message{TaskID: "task-1", ThreadID: "thread-b", Role: models.MessageRoleUser, Content: "hi"}
	require.NoError(t, s.Create(ctx, other))
	assert.Zero(t, other.Sequence)
}

func TestTaskHistoryOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()

	roles := []models.MessageRole{models.MessageRoleUser, models.MessageRoleAssistant, models.MessageRoleTool}
	for _, role := range roles {
		require.NoError(t, s.Create(ctx, &models.Message{
			TaskID: "task-1", ThreadID: "thread-a", Role: role, Content: string(role),
		}))
	}
	require.NoError(t, s.Create(ctx, &models.Message{TaskID: "task-2", ThreadID: "thread-a", Role: models.MessageRoleUser, Content: "x"}))

	history, err := s.TaskHistory(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, role := range roles {
		assert.Equal(t, role, history[i].Role)
		assert.Equal(t, i, history[i].Sequence)
	}
}

func TestThreadHistoryLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, &models.Message{
			TaskID:    fmt.Sprintf("task-%d", i),
			ThreadID:  "thread-a",
			Role:      models.MessageRoleUser,
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	history, err := s.ThreadHistory(ctx, "thread-a", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// The most recent messages, oldest first.
	assert.Equal(t, "msg 3", history[0].Content)
	assert.Equal(t, "msg 4", history[1].Content)
}

func TestDeleteMessagesOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.Create(ctx, &models.Message{
		TaskID: "task-1", ThreadID: "t", Role: models.MessageRoleUser, Content: "old", CreatedAt: old,
	}))
	require.NoError(t, s.Create(ctx, &models.Message{
		TaskID: "task-1", ThreadID: "t", Role: models.MessageRoleUser, Content: "new",
	}))

	removed, err := s.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	history, err := s.TaskHistory(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].Content)
}

func mustSpec(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func seedBotDependencies(t *testing.T, s *MemoryResourceStore, namespace string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindGhost, Namespace: namespace, Name: "sre-ghost",
		Spec: mustSpec(t, models.GhostSpec{SystemPrompt: "You are an SRE assistant."}),
	}))
	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindModel, Namespace: namespace, Name: "sonnet",
		Spec: mustSpec(t, models.ModelSpec{Provider: "anthropic", ModelID: "claude-sonnet-4"}),
	}))
	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindShell, Namespace: namespace, Name: "readonly",
		Spec: mustSpec(t, map[string]any{"mode": "readonly"}),
	}))
}

func TestCreateBotValidatesReferences(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResourceStore()
	seedBotDependencies(t, s, "default")

	bot := &models.Resource{
		Kind: models.KindBot, Namespace: "default", Name: "sre-bot",
		Spec: mustSpec(t, models.BotSpec{Ghost: "sre-ghost", Model: "sonnet", Shell: "readonly"}),
	}
	require.NoError(t, s.Create(ctx, bot))

	missing := &models.Resource{
		Kind: models.KindBot, Namespace: "default", Name: "broken-bot",
		Spec: mustSpec(t, models.BotSpec{Ghost: "nope", Model: "sonnet", Shell: "readonly"}),
	}
	err := s.Create(ctx, missing)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "spec.ghost", vErr.Field)
}

func TestBotReferencesResolveInOwnNamespace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResourceStore()
	seedBotDependencies(t, s, "ops")

	bot := &models.Resource{
		Kind: models.KindBot, Namespace: "dev", Name: "sre-bot",
		Spec: mustSpec(t, models.BotSpec{Ghost: "sre-ghost", Model: "sonnet", Shell: "readonly"}),
	}
	err := s.Create(ctx, bot)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
}

func TestTeamNeedsExistingBots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResourceStore()
	seedBotDependencies(t, s, "default")
	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindBot, Namespace: "default", Name: "sre-bot",
		Spec: mustSpec(t, models.BotSpec{Ghost: "sre-ghost", Model: "sonnet", Shell: "readonly"}),
	}))

	empty := &models.Resource{
		Kind: models.KindTeam, Namespace: "default", Name: "empty-team",
		Spec: mustSpec(t, models.TeamSpec{}),
	}
	var vErr *ValidationError
	require.True(t, errors.As(s.Create(ctx, empty), &vErr))
	assert.Equal(t, "spec.bots", vErr.Field)

	team := &models.Resource{
		Kind: models.KindTeam, Namespace: "default", Name: "oncall",
		Spec: mustSpec(t, models.TeamSpec{Bots: []string{"sre-bot"}}),
	}
	require.NoError(t, s.Create(ctx, team))
}

func TestResourceIdentityUniqueAmongLive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResourceStore()

	ghost := &models.Resource{
		Kind: models.KindGhost, Namespace: "default", Name: "sre-ghost",
		Spec: mustSpec(t, models.GhostSpec{SystemPrompt: "v1"}),
	}
	require.NoError(t, s.Create(ctx, ghost))

	dup := &models.Resource{
		Kind: models.KindGhost, Namespace: "default", Name: "sre-ghost",
		Spec: mustSpec(t, models.GhostSpec{SystemPrompt: "v2"}),
	}
	assert.ErrorIs(t, s.Create(ctx, dup), ErrAlreadyExists)

	// Deleting frees the identity for reuse.
	require.NoError(t, s.SoftDelete(ctx, models.KindGhost, "default", "sre-ghost"))
	require.NoError(t, s.Create(ctx, dup))

	got, err := s.Get(ctx, models.KindGhost, "default", "sre-ghost")
	require.NoError(t, err)
	var spec models.GhostSpec
	require.NoError(t, got.DecodeSpec(&spec))
	assert.Equal(t, "v2", spec.SystemPrompt)
}

func TestResourceValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResourceStore()

	var vErr *ValidationError
	err := s.Create(ctx, &models.Resource{Kind: "widget", Namespace: "default", Name: "x"})
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "kind", vErr.Field)

	err = s.Create(ctx, &models.Resource{Kind: models.KindGhost, Namespace: "default"})
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "name", vErr.Field)
}

func TestListResourcesByKind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResourceStore()
	seedBotDependencies(t, s, "default")

	ghosts, err := s.List(ctx, models.KindGhost, "default")
	require.NoError(t, err)
	require.Len(t, ghosts, 1)
	assert.Equal(t, "sre-ghost", ghosts[0].Name)

	models_, err := s.List(ctx, models.KindModel, "")
	require.NoError(t, err)
	assert.Len(t, models_, 1)
}
