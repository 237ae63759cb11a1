// Package config loads and validates the ghostflow.yaml configuration
// file and maps it onto the runtime components.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghostflow-ai/ghostflow/pkg/agent"
	"github.com/ghostflow-ai/ghostflow/pkg/cleanup"
	"github.com/ghostflow-ai/ghostflow/pkg/emitter"
	"github.com/ghostflow-ai/ghostflow/pkg/masking"
	"github.com/ghostflow-ai/ghostflow/pkg/queue"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Stream    StreamConfig    `yaml:"stream"`
	Emitter   EmitterConfig   `yaml:"emitter"`
	Queue     QueueConfig     `yaml:"queue"`
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Masking   masking.Config  `yaml:"masking"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowedWSOrigins are extra origin patterns accepted for WebSocket
	// upgrades beyond the server's own host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// SecretEnv names the environment variable holding the JWT signing
	// secret.
	SecretEnv string `yaml:"secret_env"`
}

// Secret resolves the JWT signing secret from the environment.
func (c AuthConfig) Secret() string {
	return os.Getenv(c.SecretEnv)
}

// DatabaseConfig toggles Postgres persistence. Connection settings come
// from DB_* environment variables; with Enabled false the in-memory
// stores serve instead.
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StreamConfig tunes the streaming core.
type StreamConfig struct {
	BufferSize           int           `yaml:"buffer_size"`
	BufferAge            time.Duration `yaml:"buffer_age"`
	EnableRecovery       *bool         `yaml:"enable_recovery"`
	EmitCheckpoints      *bool         `yaml:"emit_checkpoints"`
	CheckpointInterval   int           `yaml:"checkpoint_interval"`
	MaxConcurrentClients int           `yaml:"max_concurrent_clients"`
	CancelTimeout        time.Duration `yaml:"cancel_timeout"`
	Retention            time.Duration `yaml:"retention"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// EmitterConfig tunes per-client delivery.
type EmitterConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	EnableHeartbeats  *bool         `yaml:"enable_heartbeats"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
}

// QueueConfig tunes the task queue.
type QueueConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// AgentConfig tunes agent runs.
type AgentConfig struct {
	HistoryLimit int               `yaml:"history_limit"`
	Compression  CompressionConfig `yaml:"compression"`
}

// CompressionConfig tunes conversation compression.
type CompressionConfig struct {
	Strategy       string `yaml:"strategy"`
	TokenThreshold int    `yaml:"token_threshold"`
	KeepRecent     int    `yaml:"keep_recent"`
}

// LLMConfig names the provider credentials. API keys are resolved from
// the environment so the YAML never carries secrets.
type LLMConfig struct {
	AnthropicAPIKeyEnv string `yaml:"anthropic_api_key_env"`
	AnthropicBaseURL   string `yaml:"anthropic_base_url"`
	OpenAIAPIKeyEnv    string `yaml:"openai_api_key_env"`
	OpenAIBaseURL      string `yaml:"openai_base_url"`
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// TaskRetention is how long soft-deleted tasks are kept before the
	// cleanup loop purges them.
	TaskRetention time.Duration `yaml:"task_retention"`
	// MessageTTL is the maximum age of conversation messages. Zero keeps
	// them forever.
	MessageTTL time.Duration `yaml:"message_ttl"`
	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	on := true
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Auth: AuthConfig{
			Enabled:   false,
			SecretEnv: "GHOSTFLOW_JWT_SECRET",
		},
		Stream: StreamConfig{
			BufferSize:         1000,
			BufferAge:          time.Hour,
			EnableRecovery:     &on,
			EmitCheckpoints:    &on,
			CheckpointInterval: 50,
			CancelTimeout:      5 * time.Second,
			Retention:          time.Hour,
			CleanupInterval:    60 * time.Second,
		},
		Emitter: EmitterConfig{
			QueueSize:         1000,
			HeartbeatInterval: 30 * time.Second,
			EnableHeartbeats:  &on,
			StaleTimeout:      5 * time.Minute,
		},
		Queue: QueueConfig{
			Workers:     4,
			QueueSize:   100,
			TaskTimeout: 10 * time.Minute,
			MaxRetries:  3,
			RetryDelay:  time.Second,
		},
		Agent: AgentConfig{
			HistoryLimit: 50,
			Compression: CompressionConfig{
				Strategy:       "window",
				TokenThreshold: 60000,
				KeepRecent:     10,
			},
		},
		LLM: LLMConfig{
			AnthropicAPIKeyEnv: "ANTHROPIC_API_KEY",
			OpenAIAPIKeyEnv:    "OPENAI_API_KEY",
		},
		Masking: masking.Config{
			Enabled:      true,
			PatternGroup: "secrets",
		},
		Retention: RetentionConfig{
			TaskRetention:   30 * 24 * time.Hour,
			MessageTTL:      0,
			CleanupInterval: time.Hour,
		},
	}
}

// Addr returns the listener address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StreamConfig maps onto the streaming core configuration.
func (c *Config) StreamConfig() stream.Config {
	out := stream.Config{
		BufferSize:           c.Stream.BufferSize,
		BufferAge:            c.Stream.BufferAge,
		CheckpointInterval:   c.Stream.CheckpointInterval,
		MaxConcurrentClients: c.Stream.MaxConcurrentClients,
		CancelTimeout:        c.Stream.CancelTimeout,
		Retention:            c.Stream.Retention,
		CleanupInterval:      c.Stream.CleanupInterval,
	}
	if c.Stream.EnableRecovery != nil {
		out.EnableRecovery = *c.Stream.EnableRecovery
	}
	if c.Stream.EmitCheckpoints != nil {
		out.EmitCheckpoints = *c.Stream.EmitCheckpoints
	}
	return out
}

// EmitterConfig maps onto the emitter configuration.
func (c *Config) EmitterConfig() emitter.Config {
	out := emitter.Config{
		QueueSize:         c.Emitter.QueueSize,
		HeartbeatInterval: c.Emitter.HeartbeatInterval,
		StaleTimeout:      c.Emitter.StaleTimeout,
	}
	if c.Emitter.EnableHeartbeats != nil {
		out.EnableHeartbeats = *c.Emitter.EnableHeartbeats
	}
	return out
}

// QueueConfig maps onto the task queue configuration.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Workers:     c.Queue.Workers,
		QueueSize:   c.Queue.QueueSize,
		TaskTimeout: c.Queue.TaskTimeout,
		MaxRetries:  c.Queue.MaxRetries,
		RetryDelay:  c.Queue.RetryDelay,
	}
}

// ExecutorConfig maps onto the task executor configuration.
func (c *Config) ExecutorConfig() queue.ExecutorConfig {
	return queue.ExecutorConfig{
		HistoryLimit: c.Agent.HistoryLimit,
		Compression: agent.CompressionConfig{
			Strategy:       agent.CompressionStrategy(c.Agent.Compression.Strategy),
			TokenThreshold: c.Agent.Compression.TokenThreshold,
			KeepRecent:     c.Agent.Compression.KeepRecent,
		},
	}
}

// CleanupConfig maps onto the retention service configuration.
func (c *Config) CleanupConfig() cleanup.Config {
	return cleanup.Config{
		TaskRetention: c.Retention.TaskRetention,
		MessageTTL:    c.Retention.MessageTTL,
		Interval:      c.Retention.CleanupInterval,
	}
}

// ProviderCredentials resolves the LLM credentials from the environment.
func (c *Config) ProviderCredentials() queue.ProviderCredentials {
	return queue.ProviderCredentials{
		AnthropicAPIKey:  os.Getenv(c.LLM.AnthropicAPIKeyEnv),
		AnthropicBaseURL: c.LLM.AnthropicBaseURL,
		OpenAIAPIKey:     os.Getenv(c.LLM.OpenAIAPIKeyEnv),
		OpenAIBaseURL:    c.LLM.OpenAIBaseURL,
	}
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.Enabled && c.Auth.Secret() == "" {
		return fmt.Errorf("auth enabled but %s is not set", c.Auth.SecretEnv)
	}
	if s := c.Agent.Compression.Strategy; s != "" {
		switch agent.CompressionStrategy(s) {
		case agent.CompressionNone, agent.CompressionWindow, agent.CompressionTruncate, agent.CompressionSummarize:
		default:
			return fmt.Errorf("unknown compression strategy %q", s)
		}
	}
	return nil
}
