// Ghostflow server: exposes the HTTP API, runs the task queue workers,
// and drives agent execution streams.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ghostflow-ai/ghostflow/pkg/agent"
	"github.com/ghostflow-ai/ghostflow/pkg/api"
	"github.com/ghostflow-ai/ghostflow/pkg/cleanup"
	"github.com/ghostflow-ai/ghostflow/pkg/config"
	"github.com/ghostflow-ai/ghostflow/pkg/database"
	"github.com/ghostflow-ai/ghostflow/pkg/emitter"
	"github.com/ghostflow-ai/ghostflow/pkg/masking"
	"github.com/ghostflow-ai/ghostflow/pkg/queue"
	"github.com/ghostflow-ai/ghostflow/pkg/store"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
	"github.com/ghostflow-ai/ghostflow/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func main() {
	configPath := flag.String("config",
		getEnv("GHOSTFLOW_CONFIG", "./ghostflow.yaml"),
		"Path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}
	setupLogging()
	logger := slog.Default()

	slog.Info("Starting ghostflow", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Persistence: Postgres when enabled, in-memory otherwise
	var (
		dbClient  *database.Client
		tasks     store.TaskStore
		messages  store.MessageStore
		resources store.ResourceStore
	)
	if cfg.Database.Enabled {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		tasks = store.NewPostgresTaskStore(dbClient.Pool())
		messages = store.NewPostgresMessageStore(dbClient.Pool())
		resources = store.NewPostgresResourceStore(dbClient.Pool())
		slog.Info("Connected to PostgreSQL database")
	} else {
		tasks = store.NewMemoryTaskStore()
		messages = store.NewMemoryMessageStore()
		resources = store.NewMemoryResourceStore()
		slog.Info("Using in-memory stores; state is lost on restart")
	}

	// 3. Masking service
	masker, err := masking.NewService(cfg.Masking, logger)
	if err != nil {
		slog.Error("Failed to initialize masking service", "error", err)
		os.Exit(1)
	}

	// 4. Streaming core
	em := emitter.New(cfg.EmitterConfig(), logger)
	core := stream.NewCore(cfg.StreamConfig(), em, logger)
	core.Start()
	defer func() {
		core.Stop()
		em.Close()
	}()

	// 5. Agent execution: providers, tools, executor
	providers := queue.NewProviders(cfg.ProviderCredentials(), logger)
	defer providers.Close()
	tools := agent.NewRegistry(logger)

	executor := queue.NewExecutor(resources, messages, tasks, core, providers, tools, masker,
		cfg.ExecutorConfig(), logger)

	// 6. Task queue
	q := queue.New(cfg.QueueConfig(), tasks, executor, logger)

	// 7. Retention cleanup loop
	cleanupSvc := cleanup.NewService(cfg.CleanupConfig(), tasks, messages, logger)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	// 8. HTTP server (wires the queue's lifecycle broadcaster to its hub)
	server := api.NewServer(api.Config{
		Addr: cfg.Server.Addr(),
		Auth: api.AuthConfig{
			Enabled: cfg.Auth.Enabled,
			Secret:  cfg.Auth.Secret(),
		},
		AllowedWSOrigins: cfg.Server.AllowedWSOrigins,
	}, api.Deps{
		Core:      core,
		Queue:     q,
		Tasks:     tasks,
		Messages:  messages,
		Resources: resources,
		DB:        dbClient,
	}, logger)

	q.Start(ctx)

	httpServer := server.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Ghostflow started", "workers", cfg.Queue.Workers)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests, then drain workers
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Queue workers stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded with tasks still running")
	}

	slog.Info("Shutdown complete")
}
