package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ghostflow-ai/ghostflow/pkg/agent"
	"github.com/ghostflow-ai/ghostflow/pkg/events"
	"github.com/ghostflow-ai/ghostflow/pkg/models"
	"github.com/ghostflow-ai/ghostflow/pkg/store"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// ProviderFactory resolves a model resource spec to a chat provider.
// Implementations may cache and share providers; the executor never
// closes them.
type ProviderFactory interface {
	Provider(spec models.ModelSpec) (agent.Provider, error)
}

// ExecutorConfig tunes agent runs started by the executor.
type ExecutorConfig struct {
	// Compression applies to every run's conversation history.
	Compression agent.CompressionConfig
	// HistoryLimit caps how many prior thread messages seed a run.
	HistoryLimit int
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

// Executor runs one task end to end: it resolves the bot's composed
// resources, seeds the conversation from thread history, streams the
// agent run through the stream core, and persists the exchanged
// messages.
type Executor struct {
	resources store.ResourceStore
	messages  store.MessageStore
	tasks     store.TaskStore
	core      *stream.Core
	providers ProviderFactory
	tools     *agent.Registry
	masker    agent.Masker
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor wires an executor. masker may be nil to disable redaction.
func NewExecutor(
	resources store.ResourceStore,
	messages store.MessageStore,
	tasks store.TaskStore,
	core *stream.Core,
	providers ProviderFactory,
	tools *agent.Registry,
	masker agent.Masker,
	cfg ExecutorConfig,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		resources: resources,
		messages:  messages,
		tasks:     tasks,
		core:      core,
		providers: providers,
		tools:     tools,
		masker:    masker,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "task_executor"),
	}
}

// Execute runs the task's agent to completion. It returns nil on a clean
// finish; recoverable provider failures come back as CodedError so the
// worker can retry.
func (e *Executor) Execute(ctx context.Context, task *models.Task) error {
	adapter, err := e.buildAdapter(ctx, task)
	if err != nil {
		return err
	}

	seed, err := e.seedConversation(ctx, task)
	if err != nil {
		return err
	}

	// Each attempt gets a fresh stream; a retried task must not collide
	// with its finalized predecessor.
	streamID := uuid.NewString()
	if _, err := e.core.CreateStream(streamID, task.ID, task.ShowThinking); err != nil {
		return fmt.Errorf("create stream for task %s: %w", task.ID, err)
	}
	if err := e.tasks.SetStream(ctx, task.ID, streamID); err != nil {
		e.logger.Warn("failed to record stream on task", "task_id", task.ID, "error", err)
	}

	done := make(chan error, 1)
	var finalText strings.Builder
	producer := e.captureProducer(adapter.Producer(seed), &finalText, done)

	if err := e.core.StartStream(streamID, producer); err != nil {
		return fmt.Errorf("start stream %s: %w", streamID, err)
	}

	select {
	case runErr := <-done:
		if runErr != nil {
			return runErr
		}
	case <-ctx.Done():
		if err := e.core.CancelStream(context.Background(), streamID, "task cancelled"); err != nil {
			e.logger.Warn("failed to cancel stream", "stream_id", streamID, "error", err)
		}
		<-done
		return ctx.Err()
	}

	if finalText.Len() > 0 {
		if err := e.messages.Create(context.Background(), &models.Message{
			TaskID:   task.ID,
			ThreadID: task.ThreadID,
			Role:     models.MessageRoleAssistant,
			Content:  finalText.String(),
		}); err != nil {
			e.logger.Error("failed to persist assistant message", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// buildAdapter resolves the bot's composed resources into a run adapter.
func (e *Executor) buildAdapter(ctx context.Context, task *models.Task) (*agent.Adapter, error) {
	botRes, err := e.resources.Get(ctx, models.KindBot, task.Namespace, task.Bot)
	if err != nil {
		return nil, fmt.Errorf("resolve bot %s/%s: %w", task.Namespace, task.Bot, err)
	}
	var bot models.BotSpec
	if err := botRes.DecodeSpec(&bot); err != nil {
		return nil, err
	}

	ghostRes, err := e.resources.Get(ctx, models.KindGhost, task.Namespace, bot.Ghost)
	if err != nil {
		return nil, fmt.Errorf("resolve ghost %s/%s: %w", task.Namespace, bot.Ghost, err)
	}
	var ghost models.GhostSpec
	if err := ghostRes.DecodeSpec(&ghost); err != nil {
		return nil, err
	}

	modelRes, err := e.resources.Get(ctx, models.KindModel, task.Namespace, bot.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve model %s/%s: %w", task.Namespace, bot.Model, err)
	}
	var model models.ModelSpec
	if err := modelRes.DecodeSpec(&model); err != nil {
		return nil, err
	}

	provider, err := e.providers.Provider(model)
	if err != nil {
		return nil, fmt.Errorf("provider for model %s: %w", bot.Model, err)
	}

	return agent.NewAdapter(provider, e.tools, e.masker, agent.Config{
		SystemPrompt:  ghost.SystemPrompt,
		Model:         model.ModelID,
		Temperature:   bot.Temperature,
		MaxTokens:     model.MaxTokens,
		MaxIterations: bot.MaxIterations,
		ShowThinking:  task.ShowThinking,
		Compression:   e.cfg.Compression,
	}, e.logger), nil
}

// seedConversation loads prior thread turns, persists the new user
// prompt, and returns the seed messages for the run.
func (e *Executor) seedConversation(ctx context.Context, task *models.Task) ([]agent.Message, error) {
	var seed []agent.Message
	if task.ThreadID != "" {
		history, err := e.messages.ThreadHistory(ctx, task.ThreadID, e.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load thread history: %w", err)
		}
		for _, msg := range history {
			switch msg.Role {
			case models.MessageRoleUser:
				seed = append(seed, agent.Message{Role: agent.RoleUser, Content: msg.Content})
			case models.MessageRoleAssistant:
				seed = append(seed, agent.Message{Role: agent.RoleAssistant, Content: msg.Content})
			}
			// Tool turns are not replayed; their call IDs are gone.
		}
	}

	if err := e.messages.Create(ctx, &models.Message{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Role:     models.MessageRoleUser,
		Content:  task.Prompt,
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	return append(seed, agent.Message{Role: agent.RoleUser, Content: task.Prompt}), nil
}

// captureProducer wraps a producer so the executor can observe the run's
// outcome and accumulate the assistant's answer text.
func (e *Executor) captureProducer(inner stream.Producer, finalText *strings.Builder, done chan<- error) stream.Producer {
	return func(ctx context.Context, out chan<- events.Event) error {
		proxy := make(chan events.Event)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for ev := range proxy {
				if chunk, ok := ev.Data.(events.ChunkPayload); ok {
					finalText.WriteString(chunk.Text)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					// Keep draining so the producer's sends never block.
				}
			}
		}()

		err := inner(ctx, proxy)
		close(proxy)
		<-forwarded
		done <- err
		return err
	}
}
