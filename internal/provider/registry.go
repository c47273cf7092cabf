package provider

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/pkg/types"
)

// Registry manages all available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	config    *types.Config
}

// NewRegistry creates a new provider registry.
func NewRegistry(config *types.Config) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		config:    config,
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID()] = provider
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return provider, nil
}

// List returns all available providers.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	return providers
}

// GetModel retrieves a specific model from a provider.
func (r *Registry) GetModel(providerID, modelID string) (*types.Model, error) {
	provider, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}

	for _, model := range provider.Models() {
		if model.ID == modelID {
			return &model, nil
		}
	}

	// Dynamically registered models are valid bindings too.
	for _, id := range DynamicModels(providerID) {
		if id == modelID {
			caps := CapabilitiesFor(providerID, modelID)
			return &types.Model{
				ID:              modelID,
				Name:            modelID,
				ProviderID:      providerID,
				ContextLength:   caps.ContextWindow,
				MaxOutputTokens: caps.MaxOutputTokens,
				SupportsTools:   true,
				SupportsVision:  caps.SupportsVision,
			}, nil
		}
	}

	return nil, fmt.Errorf("model not found: %s/%s", providerID, modelID)
}

// AllModels returns all models from all providers.
func (r *Registry) AllModels() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var models []types.Model
	for _, p := range r.providers {
		models = append(models, p.Models()...)
	}

	sort.Slice(models, func(i, j int) bool {
		return modelPriority(models[i].ID) > modelPriority(models[j].ID)
	})

	return models
}

// ModelDefinitions returns the read-only model listing the host's model
// registry endpoint serves, one entry per known model with its resolved
// capability set.
func (r *Registry) ModelDefinitions() []OwnedModelDefinition {
	models := r.AllModels()
	defs := make([]OwnedModelDefinition, 0, len(models))
	for _, m := range models {
		defs = append(defs, OwnedModelDefinition{
			ID:           m.ID,
			DisplayName:  m.Name,
			Provider:     m.ProviderID,
			Capabilities: CapabilitiesFor(m.ProviderID, m.ID),
		})
	}
	return defs
}

// DefaultModel returns the default model.
func (r *Registry) DefaultModel() (*types.Model, error) {
	if r.config != nil && r.config.Model != "" {
		providerID, modelID := ParseModelString(r.config.Model)
		return r.GetModel(providerID, modelID)
	}

	// Default to Claude Sonnet if available
	model, err := r.GetModel("anthropic", "claude-sonnet-4-20250514")
	if err == nil {
		return model, nil
	}

	// Fall back to first available model
	models := r.AllModels()
	if len(models) == 0 {
		return nil, fmt.Errorf("no models available")
	}
	return &models[0], nil
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// modelPriority returns sorting priority for models.
func modelPriority(modelID string) int {
	switch {
	case strings.Contains(modelID, "gpt-5"):
		return 100
	case strings.Contains(modelID, "claude-sonnet-4"):
		return 90
	case strings.Contains(modelID, "claude-opus"):
		return 85
	case strings.Contains(modelID, "gpt-4o"):
		return 80
	case strings.Contains(modelID, "claude-3-5"):
		return 75
	case strings.Contains(modelID, "gemini-2"):
		return 70
	default:
		return 50
	}
}

// providerFactory builds one provider variant from its resolved
// credentials. A factory returning (nil, nil) means "not configured".
type providerFactory func(ctx context.Context, apiKey, baseURL, model string) (Provider, error)

var factories = map[string]providerFactory{
	"anthropic": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewAnthropicProvider(ctx, &AnthropicConfig{ID: "anthropic", APIKey: apiKey, BaseURL: baseURL, Model: model})
	},
	"bedrock": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		return NewAnthropicProvider(ctx, &AnthropicConfig{ID: "bedrock", UseBedrock: true, Model: model})
	},
	"openai": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewOpenAIProvider(ctx, &OpenAIConfig{ID: "openai", APIKey: apiKey, BaseURL: baseURL, Model: model})
	},
	"gemini": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewGeminiProvider(ctx, &GeminiConfig{APIKey: apiKey, Model: model})
	},
	"vertex": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		project := os.Getenv("GOOGLE_CLOUD_PROJECT")
		location := os.Getenv("GOOGLE_CLOUD_LOCATION")
		if project == "" {
			return nil, nil
		}
		return NewGeminiProvider(ctx, &GeminiConfig{ID: "vertex", UseVertex: true, Project: project, Location: location, Model: model})
	},
	"groq": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewGroqProvider(ctx, apiKey)
	},
	"xai": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewXAIProvider(ctx, apiKey)
	},
	"openrouter": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewOpenRouterProvider(ctx, apiKey)
	},
	"ollama": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		return NewOllamaProvider(ctx, baseURL)
	},
	"zai": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewZaiProvider(ctx, apiKey)
	},
	"zai-anthropic": func(ctx context.Context, apiKey, baseURL, model string) (Provider, error) {
		if apiKey == "" {
			return nil, nil
		}
		return NewZaiAnthropicProvider(ctx, apiKey)
	},
}

// envKeys maps provider ids to the environment variable that
// auto-registers them when no config entry names them.
var envKeys = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"xai":        "XAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"zai":        "ZAI_API_KEY",
}

// InitializeProviders creates and registers all providers from config,
// then auto-registers any provider whose API-key environment variable is
// set but which config never mentioned. Every registered provider is
// wrapped with the transient-failure retry layer.
func InitializeProviders(ctx context.Context, config *types.Config) (*Registry, error) {
	log := logging.With().Str("component", "provider").Logger()
	registry := NewRegistry(config)

	configured := make(map[string]bool)
	for name, cfg := range config.Provider {
		if cfg.Disable {
			continue
		}
		configured[name] = true

		factory, ok := factories[name]
		if !ok {
			log.Warn().Str("provider", name).Msg("unknown provider in config, skipping")
			continue
		}

		apiKey, baseURL := providerCredentials(cfg)
		p, err := factory(ctx, apiKey, baseURL, cfg.Model)
		if err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("failed to initialize provider")
			continue
		}
		if p != nil {
			registry.Register(WithRetry(p))
			log.Debug().Str("provider", name).Msg("registered provider")
		}
	}

	for name, envKey := range envKeys {
		if configured[name] {
			continue
		}
		apiKey := os.Getenv(envKey)
		if apiKey == "" {
			continue
		}
		p, err := factories[name](ctx, apiKey, "", "")
		if err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("failed to auto-register provider")
			continue
		}
		if p != nil {
			registry.Register(WithRetry(p))
			log.Debug().Str("provider", name).Str("env", envKey).Msg("auto-registered provider")
		}
	}

	return registry, nil
}

// providerCredentials extracts API key and base URL from provider config,
// preferring the nested options block over the flat fields.
func providerCredentials(cfg types.ProviderConfig) (apiKey, baseURL string) {
	apiKey, baseURL = cfg.APIKey, cfg.BaseURL
	if cfg.Options != nil {
		if cfg.Options.APIKey != "" {
			apiKey = cfg.Options.APIKey
		}
		if cfg.Options.BaseURL != "" {
			baseURL = cfg.Options.BaseURL
		}
	}
	return apiKey, baseURL
}
