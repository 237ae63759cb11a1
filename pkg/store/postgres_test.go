package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
	"github.com/ghostflow-ai/ghostflow/pkg/store"
	"github.com/ghostflow-ai/ghostflow/test/util"
)

// The tests below run the Postgres stores against a real database via
// testcontainers and mirror the in-memory suite's semantics: frozen
// terminal states, dense sequences, live-identity uniqueness.

func setupTaskStore(t *testing.T) *store.PostgresTaskStore {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	return store.NewPostgresTaskStore(util.SetupTestPool(t))
}

func TestPostgresTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTaskStore(t)

	task := &models.Task{Bot: "sre-bot", Namespace: "default", Prompt: "investigate the alert"}
	require.NoError(t, s.Create(ctx, task))
	require.NotEmpty(t, task.ID)

	started, err := s.Start(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, started.Status)
	assert.Equal(t, 1, started.Attempts)
	require.NotNil(t, started.StartedAt)

	done, err := s.Complete(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	// Terminal states are frozen.
	_, err = s.Fail(ctx, task.ID, "too late")
	assert.ErrorIs(t, err, store.ErrTaskTerminal)
	_, err = s.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrTaskTerminal)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresTaskStartRetry(t *testing.T) {
	ctx := context.Background()
	s := setupTaskStore(t)

	task := &models.Task{Bot: "sre-bot", Prompt: "hello"}
	require.NoError(t, s.Create(ctx, task))

	first, err := s.Start(ctx, task.ID)
	require.NoError(t, err)
	second, err := s.Start(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Attempts)
	// COALESCE keeps the first attempt's start time.
	assert.WithinDuration(t, *first.StartedAt, *second.StartedAt, time.Millisecond)
}

func TestPostgresTaskListAndPurge(t *testing.T) {
	ctx := context.Background()
	s := setupTaskStore(t)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, &models.Task{
			Bot: "sre-bot", Namespace: "ops", Prompt: "p",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	other := &models.Task{Bot: "other", Namespace: "dev", Prompt: "x"}
	require.NoError(t, s.Create(ctx, other))

	tasks, err := s.List(ctx, "ops", 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	// Newest first.
	assert.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt))

	require.NoError(t, s.SoftDelete(ctx, other.ID))
	_, err = s.Get(ctx, other.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	removed, err := s.PurgeDeletedBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestPostgresMessageSequences(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()
	pool := util.SetupTestPool(t)
	tasks := store.NewPostgresTaskStore(pool)
	s := store.NewPostgresMessageStore(pool)

	task := &models.Task{ID: "task-1", Bot: "sre-bot", Prompt: "hi"}
	require.NoError(t, tasks.Create(ctx, task))

	for i := 0; i < 3; i++ {
		msg := &models.Message{TaskID: "task-1", ThreadID: "thread-a", Role: models.MessageRoleUser, Content: "hi"}
		require.NoError(t, s.Create(ctx, msg))
		assert.Equal(t, i, msg.Sequence)
	}

	// A different thread starts its own sequence.
	other := &models.Message{TaskID: "task-1", ThreadID: "thread-b", Role: models.MessageRoleUser, Content: "hi"}
	require.NoError(t, s.Create(ctx, other))
	assert.Zero(t, other.Sequence)

	history, err := s.TaskHistory(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestPostgresThreadHistoryLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()
	pool := util.SetupTestPool(t)
	tasks := store.NewPostgresTaskStore(pool)
	s := store.NewPostgresMessageStore(pool)

	require.NoError(t, tasks.Create(ctx, &models.Task{ID: "task-1", Bot: "b", Prompt: "p"}))

	base := time.Now().UTC()
	contents := []string{"msg 0", "msg 1", "msg 2", "msg 3", "msg 4"}
	for i, content := range contents {
		require.NoError(t, s.Create(ctx, &models.Message{
			TaskID: "task-1", ThreadID: "thread-a", Role: models.MessageRoleUser,
			Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	history, err := s.ThreadHistory(ctx, "thread-a", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// The most recent messages, oldest first.
	assert.Equal(t, "msg 3", history[0].Content)
	assert.Equal(t, "msg 4", history[1].Content)

	removed, err := s.DeleteOlderThan(ctx, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestPostgresResourceIntegrity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()
	s := store.NewPostgresResourceStore(util.SetupTestPool(t))

	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindGhost, Namespace: "default", Name: "sre-ghost",
		Spec: []byte(`{"system_prompt":"You are an SRE assistant."}`),
	}))
	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindModel, Namespace: "default", Name: "sonnet",
		Spec: []byte(`{"provider":"anthropic","model_id":"claude-sonnet-4"}`),
	}))
	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindShell, Namespace: "default", Name: "readonly",
		Spec: []byte(`{"mode":"readonly"}`),
	}))

	// A bot with a dangling reference is rejected before the insert.
	err := s.Create(ctx, &models.Resource{
		Kind: models.KindBot, Namespace: "default", Name: "broken-bot",
		Spec: []byte(`{"ghost":"nope","model":"sonnet","shell":"readonly"}`),
	})
	var vErr *store.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "spec.ghost", vErr.Field)

	require.NoError(t, s.Create(ctx, &models.Resource{
		Kind: models.KindBot, Namespace: "default", Name: "sre-bot",
		Spec: []byte(`{"ghost":"sre-ghost","model":"sonnet","shell":"readonly"}`),
	}))

	// Live identity is unique; deleting frees it.
	dup := &models.Resource{
		Kind: models.KindGhost, Namespace: "default", Name: "sre-ghost",
		Spec: []byte(`{"system_prompt":"v2"}`),
	}
	assert.ErrorIs(t, s.Create(ctx, dup), store.ErrAlreadyExists)
	require.NoError(t, s.SoftDelete(ctx, models.KindGhost, "default", "sre-ghost"))
	dup.ID = ""
	require.NoError(t, s.Create(ctx, dup))

	ghosts, err := s.List(ctx, models.KindGhost, "default")
	require.NoError(t, err)
	require.Len(t, ghosts, 1)
	var spec models.GhostSpec
	require.NoError(t, ghosts[0].DecodeSpec(&spec))
	assert.Equal(t, "v2", spec.SystemPrompt)
}
