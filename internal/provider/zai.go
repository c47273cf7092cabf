package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/sse"
	"github.com/qbit-ai/qbit/pkg/types"
)

const (
	zaiOpenAIBaseURL    = "https://api.z.ai/api/paas/v4"
	zaiAnthropicBaseURL = "https://api.z.ai/api/anthropic"
)

// NewZaiProvider creates a provider for Z.AI's native (OpenAI-compatible)
// endpoint.
func NewZaiProvider(ctx context.Context, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ZAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ZAI_API_KEY not set")
	}
	return NewOpenAIProvider(ctx, &OpenAIConfig{
		ID:      "zai",
		Name:    "Z.AI",
		APIKey:  apiKey,
		BaseURL: zaiOpenAIBaseURL,
		Models:  zaiModels(),
	})
}

// ZaiAnthropicProvider speaks Z.AI's Anthropic-compatible endpoint through
// the Anthropic SDK. GLM models on this endpoint emit tool-argument deltas
// with unquoted glob scalars, so every event-stream response body is routed
// through the sse repair reader before the SDK's decoder sees it; request
// and response lines are logged for diagnosis of the same class of bug.
type ZaiAnthropicProvider struct {
	inner  AnthropicProvider
	models []types.Model
}

// NewZaiAnthropicProvider creates the Anthropic-compatible Z.AI variant.
func NewZaiAnthropicProvider(ctx context.Context, apiKey string) (*ZaiAnthropicProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ZAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ZAI_API_KEY not set")
	}

	log := logging.With().Str("component", "provider").Str("provider", "zai-anthropic").Logger()
	httpClient := &http.Client{
		Transport: &repairingTransport{
			base: http.DefaultTransport,
			log:  log,
		},
		Timeout: 10 * time.Minute,
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(zaiAnthropicBaseURL),
		option.WithHTTPClient(httpClient),
	)

	models := zaiModels()
	return &ZaiAnthropicProvider{
		inner: AnthropicProvider{
			client: client,
			models: models,
			config: &AnthropicConfig{ID: "zai-anthropic", APIKey: apiKey},
		},
		models: models,
	}, nil
}

// ID returns the provider identifier.
func (p *ZaiAnthropicProvider) ID() string { return "zai-anthropic" }

// Name returns the human-readable provider name.
func (p *ZaiAnthropicProvider) Name() string { return "Z.AI (Anthropic-compatible)" }

// Models returns the list of available models.
func (p *ZaiAnthropicProvider) Models() []types.Model { return p.models }

// CreateCompletion creates a streaming completion via the Anthropic wire
// shape; the repair transport underneath fixes the stream bytes first.
func (p *ZaiAnthropicProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (Stream, error) {
	return p.inner.CreateCompletion(ctx, req)
}

// repairingTransport wraps every event-stream response body in the sse
// repair reader and logs request/response metadata. It sits below the SDK:
// the decoder upstream only ever sees repaired bytes.
type repairingTransport struct {
	base http.RoundTripper
	log  zerolog.Logger
}

func (t *repairingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.log.Error().Err(err).Str("url", req.URL.Path).Msg("request failed")
		return nil, err
	}

	t.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("round trip")

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body = &repairedBody{reader: sse.NewReader(resp.Body), closer: resp.Body}
	}
	return resp, nil
}

// repairedBody pairs the repair reader with the original body's Close.
type repairedBody struct {
	reader io.Reader
	closer io.Closer
}

func (b *repairedBody) Read(p []byte) (int, error) { return b.reader.Read(p) }
func (b *repairedBody) Close() error               { return b.closer.Close() }

func zaiModels() []types.Model {
	return []types.Model{
		{
			ID:                "glm-4.6",
			Name:              "GLM 4.6",
			ProviderID:        "zai",
			ContextLength:     200000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsReasoning: true,
			InputPrice:        0.6,
			OutputPrice:       2.2,
		},
		{
			ID:              "glm-4.5-air",
			Name:            "GLM 4.5 Air",
			ProviderID:      "zai",
			ContextLength:   128000,
			MaxOutputTokens: 96000,
			SupportsTools:   true,
			InputPrice:      0.2,
			OutputPrice:     1.1,
		},
	}
}
