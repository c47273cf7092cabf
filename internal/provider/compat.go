package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/pkg/types"
)

// The providers below all speak the OpenAI chat-completions wire shape;
// each is an OpenAIProvider pointed at a different base URL with its own
// model catalog.

// NewGroqProvider creates a provider for Groq's OpenAI-compatible API.
func NewGroqProvider(ctx context.Context, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GROQ_API_KEY not set")
	}
	return NewOpenAIProvider(ctx, &OpenAIConfig{
		ID:      "groq",
		Name:    "Groq",
		APIKey:  apiKey,
		BaseURL: "https://api.groq.com/openai/v1",
		Models: []types.Model{
			{
				ID:              "llama-3.3-70b-versatile",
				Name:            "Llama 3.3 70B",
				ProviderID:      "groq",
				ContextLength:   131072,
				MaxOutputTokens: 32768,
				SupportsTools:   true,
				InputPrice:      0.59,
				OutputPrice:     0.79,
			},
			{
				ID:              "moonshotai/kimi-k2-instruct",
				Name:            "Kimi K2",
				ProviderID:      "groq",
				ContextLength:   131072,
				MaxOutputTokens: 16384,
				SupportsTools:   true,
				InputPrice:      1.0,
				OutputPrice:     3.0,
			},
		},
	})
}

// NewXAIProvider creates a provider for xAI's OpenAI-compatible API.
func NewXAIProvider(ctx context.Context, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("XAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("XAI_API_KEY not set")
	}
	return NewOpenAIProvider(ctx, &OpenAIConfig{
		ID:      "xai",
		Name:    "xAI",
		APIKey:  apiKey,
		BaseURL: "https://api.x.ai/v1",
		Models: []types.Model{
			{
				ID:                "grok-4",
				Name:              "Grok 4",
				ProviderID:        "xai",
				ContextLength:     256000,
				MaxOutputTokens:   64000,
				SupportsTools:     true,
				SupportsVision:    true,
				SupportsReasoning: true,
				InputPrice:        3.0,
				OutputPrice:       15.0,
			},
			{
				ID:              "grok-3-mini",
				Name:            "Grok 3 Mini",
				ProviderID:      "xai",
				ContextLength:   131072,
				MaxOutputTokens: 16384,
				SupportsTools:   true,
				InputPrice:      0.3,
				OutputPrice:     0.5,
			},
		},
	})
}

// NewOpenRouterProvider creates a provider for OpenRouter's aggregated
// OpenAI-compatible API. OpenRouter fronts hundreds of models; the static
// catalog lists only the handful commonly bound to sessions, and anything
// else resolves through the capability registry's provider defaults.
func NewOpenRouterProvider(ctx context.Context, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY not set")
	}
	return NewOpenAIProvider(ctx, &OpenAIConfig{
		ID:      "openrouter",
		Name:    "OpenRouter",
		APIKey:  apiKey,
		BaseURL: "https://openrouter.ai/api/v1",
		Models: []types.Model{
			{
				ID:              "anthropic/claude-sonnet-4",
				Name:            "Claude Sonnet 4 (OpenRouter)",
				ProviderID:      "openrouter",
				ContextLength:   200000,
				MaxOutputTokens: 64000,
				SupportsTools:   true,
				SupportsVision:  true,
			},
			{
				ID:              "deepseek/deepseek-chat-v3",
				Name:            "DeepSeek V3 (OpenRouter)",
				ProviderID:      "openrouter",
				ContextLength:   163840,
				MaxOutputTokens: 16384,
				SupportsTools:   true,
			},
		},
	})
}

// ollamaTagsResponse is the shape of Ollama's GET /api/tags listing.
type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaProvider creates a provider for a local Ollama server. The
// model catalog is discovered from the server's /api/tags endpoint and
// registered as dynamic models; discovery failure leaves the catalog
// empty but the provider usable (the caller may know a model id anyway).
func NewOllamaProvider(ctx context.Context, baseURL string) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	models := discoverOllamaModels(ctx, baseURL)

	return NewOpenAIProvider(ctx, &OpenAIConfig{
		ID:      "ollama",
		Name:    "Ollama",
		APIKey:  "ollama", // the server ignores it but the SDK requires one
		BaseURL: baseURL + "/v1",
		Models:  models,
		// Local models are the realistic source of <tool_call> blocks
		// leaking into the text channel.
		ExtractPseudoToolCalls: true,
	})
}

func discoverOllamaModels(ctx context.Context, baseURL string) []types.Model {
	log := logging.With().Str("component", "provider").Str("provider", "ollama").Logger()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("ollama model discovery failed")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Msg("ollama model discovery failed")
		return nil
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		log.Debug().Err(err).Msg("ollama model listing undecodable")
		return nil
	}

	models := make([]types.Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, types.Model{
			ID:            m.Name,
			Name:          m.Name,
			ProviderID:    "ollama",
			ContextLength: providerDefaults["ollama"].ContextWindow,
			SupportsTools: true,
		})
		RegisterDynamicModel("ollama", m.Name, providerDefaults["ollama"])
	}
	log.Debug().Int("count", len(models)).Msg("discovered ollama models")
	return models
}
