package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ghostflow-ai/ghostflow/pkg/agent"
	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

// ProviderCredentials holds the backend credentials providers are built
// from. BaseURL overrides are optional for Anthropic and required for
// OpenAI-compatible backends.
type ProviderCredentials struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
}

// Providers is the default ProviderFactory. Providers are cached per
// backend and shared across runs.
type Providers struct {
	creds  ProviderCredentials
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]agent.Provider
}

// NewProviders creates a caching provider factory.
func NewProviders(creds ProviderCredentials, logger *slog.Logger) *Providers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Providers{
		creds:  creds,
		logger: logger,
		cache:  make(map[string]agent.Provider),
	}
}

// Provider returns the chat provider for a model spec, building it on
// first use.
func (p *Providers) Provider(spec models.ModelSpec) (agent.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if provider, ok := p.cache[spec.Provider]; ok {
		return provider, nil
	}

	var provider agent.Provider
	var err error
	switch spec.Provider {
	case "anthropic":
		if p.creds.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic provider requested but no API key configured")
		}
		provider, err = agent.NewAnthropicProvider(p.creds.AnthropicAPIKey, p.creds.AnthropicBaseURL, p.logger)
	case "openai-compatible":
		if p.creds.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("openai-compatible provider requested but no base URL configured")
		}
		provider, err = agent.NewOpenAICompatProvider(p.creds.OpenAIBaseURL, p.creds.OpenAIAPIKey, p.logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", spec.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", spec.Provider, err)
	}

	p.cache[spec.Provider] = provider
	return provider, nil
}

// Close shuts down all cached providers.
func (p *Providers) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, provider := range p.cache {
		if err := provider.Close(); err != nil {
			p.logger.Warn("provider close failed", "provider", name, "error", err)
		}
	}
	p.cache = make(map[string]agent.Provider)
}
