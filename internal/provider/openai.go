package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/qbit-ai/qbit/pkg/types"
)

// OpenAIProvider implements Provider for OpenAI and OpenAI-compatible
// chat-completions endpoints (Azure, and the thin Groq, xAI, OpenRouter
// and Ollama wrappers in compat.go all construct one of these with a
// different BaseURL).
type OpenAIProvider struct {
	client openai.Client
	models []types.Model
	config *OpenAIConfig
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	// ID is the provider identifier (e.g., "openai", "groq", "ollama").
	// If empty, defaults to "openai".
	ID        string
	Name      string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Models    []types.Model // override the static catalog, e.g. for custom endpoints

	// UseMaxCompletionTokens routes MaxTokens through the
	// max_completion_tokens field instead of max_tokens, required by
	// the o1/o3/gpt-5 reasoning-model families.
	UseMaxCompletionTokens bool

	// ExtractPseudoToolCalls wraps the stream in the pseudo-XML
	// tool-call extractor. Local models served through OpenAI-compatible
	// endpoints sometimes emit <tool_call> blocks in the text channel
	// instead of structured tool calls; hosted OpenAI never does.
	ExtractPseudoToolCalls bool

	// UseAzure switches to the Azure OpenAI deployment API shape.
	UseAzure   bool
	APIVersion string
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(ctx context.Context, config *OpenAIConfig) (*OpenAIProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		if config.UseAzure {
			apiKey = os.Getenv("AZURE_OPENAI_API_KEY")
		} else {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.UseAzure {
		apiVersion := config.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-02-15-preview"
		}
		opts = append(opts, option.WithQuery("api-version", apiVersion))
	}

	models := config.Models
	if models == nil {
		models = openAIModels()
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		models: models,
		config: config,
	}, nil
}

// ID returns the provider identifier.
func (p *OpenAIProvider) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "openai"
}

// Name returns the human-readable provider name.
func (p *OpenAIProvider) Name() string {
	if p.config.Name != "" {
		return p.config.Name
	}
	return "OpenAI"
}

// Models returns the list of available models.
func (p *OpenAIProvider) Models() []types.Model {
	return p.models
}

// CreateCompletion creates a streaming completion.
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (Stream, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.config.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: toOpenAIMessages(req.System, req.Messages),
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	if maxTokens > 0 {
		if p.config.UseMaxCompletionTokens {
			params.MaxCompletionTokens = openai.Int(int64(maxTokens))
		} else {
			params.MaxTokens = openai.Int(int64(maxTokens))
		}
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.StopSequences,
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	out := Stream(&openAIStream{stream: stream, toolIndex: make(map[int64]string)})
	if p.config.ExtractPseudoToolCalls {
		out = NewPseudoToolCallStream(out)
	}
	return out, nil
}

func toOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msg := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				msg.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func toOpenAITools(tools []ToolInfo) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

// openAIStream adapts the openai-go SSE stream to the Stream interface.
type openAIStream struct {
	stream    *ssestream.Stream[openai.ChatCompletionChunk]
	acc       openai.ChatCompletionAccumulator
	pending   []StreamEvent
	toolIndex map[int64]string
	finished  bool
}

func (s *openAIStream) Next() (StreamEvent, error) {
	for len(s.pending) == 0 && !s.finished {
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.finished = true
				return FinishEvent{Reason: "error", Error: err}, nil
			}
			s.finished = true
			return s.finishEvent(), nil
		}
		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)
		s.pending = s.translate(chunk)
	}
	if len(s.pending) == 0 {
		s.finished = true
		return s.finishEvent(), nil
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *openAIStream) translate(chunk openai.ChatCompletionChunk) []StreamEvent {
	var events []StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			events = append(events, TextDeltaEvent{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.ID != "" {
				s.toolIndex[tc.Index] = tc.ID
				events = append(events, ToolCallStartEvent{ID: tc.ID, Name: tc.Function.Name})
			}
			if tc.Function.Arguments != "" {
				id := s.toolIndex[tc.Index]
				events = append(events, ToolCallDeltaEvent{ID: id, Delta: tc.Function.Arguments})
			}
		}
	}
	return events
}

func (s *openAIStream) finishEvent() StreamEvent {
	reason := "stop"
	usage := &Usage{}
	if len(s.acc.Choices) > 0 {
		switch s.acc.Choices[0].FinishReason {
		case "tool_calls":
			reason = "tool-calls"
		case "length":
			reason = "max_tokens"
		}
	}
	usage.InputTokens = int(s.acc.Usage.PromptTokens)
	usage.OutputTokens = int(s.acc.Usage.CompletionTokens)
	usage.CacheReadTokens = int(s.acc.Usage.PromptTokensDetails.CachedTokens)
	usage.ReasoningTokens = int(s.acc.Usage.CompletionTokensDetails.ReasoningTokens)
	return FinishEvent{Reason: reason, Usage: usage}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// openAIModels returns the list of OpenAI models.
func openAIModels() []types.Model {
	return []types.Model{
		// GPT-5 family (newest)
		{
			ID:                "gpt-5",
			Name:              "GPT-5",
			ProviderID:        "openai",
			ContextLength:     272000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			InputPrice:        1.25,
			OutputPrice:       10.0,
		},
		{
			ID:                "gpt-5-mini",
			Name:              "GPT-5 Mini",
			ProviderID:        "openai",
			ContextLength:     272000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			InputPrice:        0.25,
			OutputPrice:       2.0,
		},
		{
			ID:              "gpt-5-nano",
			Name:            "GPT-5 Nano",
			ProviderID:      "openai",
			ContextLength:   272000,
			MaxOutputTokens: 128000,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      0.05,
			OutputPrice:     0.4,
		},
		// GPT-4o family
		{
			ID:              "gpt-4o",
			Name:            "GPT-4o",
			ProviderID:      "openai",
			ContextLength:   128000,
			MaxOutputTokens: 16384,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      2.5,
			OutputPrice:     10.0,
		},
		{
			ID:              "gpt-4o-mini",
			Name:            "GPT-4o Mini",
			ProviderID:      "openai",
			ContextLength:   128000,
			MaxOutputTokens: 16384,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      0.15,
			OutputPrice:     0.6,
		},
		// O1 family
		{
			ID:                "o1",
			Name:              "O1",
			ProviderID:        "openai",
			ContextLength:     200000,
			MaxOutputTokens:   100000,
			SupportsTools:     true,
			SupportsReasoning: true,
			InputPrice:        15.0,
			OutputPrice:       60.0,
		},
		{
			ID:                "o1-mini",
			Name:              "O1 Mini",
			ProviderID:        "openai",
			ContextLength:     128000,
			MaxOutputTokens:   65536,
			SupportsTools:     true,
			SupportsReasoning: true,
			InputPrice:        1.1,
			OutputPrice:       4.4,
		},
	}
}
