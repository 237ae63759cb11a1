// Package cleanup provides data retention for tasks and messages.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ghostflow-ai/ghostflow/pkg/store"
)

// Config holds the retention policy.
type Config struct {
	// TaskRetention is how long soft-deleted tasks are kept before they
	// are purged for good.
	TaskRetention time.Duration
	// MessageTTL is how long conversation messages are kept. Zero keeps
	// them forever.
	MessageTTL time.Duration
	// Interval is the period of the cleanup loop.
	Interval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TaskRetention: 30 * 24 * time.Hour,
		MessageTTL:    0,
		Interval:      time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TaskRetention <= 0 {
		c.TaskRetention = d.TaskRetention
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Service periodically enforces retention:
//   - Purges soft-deleted tasks past the retention window
//   - Removes messages older than the TTL (when a TTL is set)
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	cfg      Config
	tasks    store.TaskStore
	messages store.MessageStore
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg Config, tasks store.TaskStore, messages store.MessageStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		tasks:    tasks,
		messages: messages,
		logger:   logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup service started",
		"task_retention", s.cfg.TaskRetention,
		"message_ttl", s.cfg.MessageTTL,
		"interval", s.cfg.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one retention pass.
func (s *Service) RunOnce(ctx context.Context) {
	s.purgeDeletedTasks(ctx)
	s.expireMessages(ctx)
}

func (s *Service) purgeDeletedTasks(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.TaskRetention)
	count, err := s.tasks.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention: task purge failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention: purged soft-deleted tasks", "count", count)
	}
}

func (s *Service) expireMessages(ctx context.Context) {
	if s.cfg.MessageTTL <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.MessageTTL)
	count, err := s.messages.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention: message cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention: removed expired messages", "count", count)
	}
}
