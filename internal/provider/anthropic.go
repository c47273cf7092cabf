package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/qbit-ai/qbit/pkg/types"
)

// AnthropicProvider implements Provider for Anthropic Claude models, direct
// or via AWS Bedrock.
type AnthropicProvider struct {
	client anthropic.Client
	models []types.Model
	config *AnthropicConfig
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// ID is the provider identifier (e.g., "anthropic", "claude").
	// If empty, defaults to "anthropic".
	ID        string
	APIKey    string
	BaseURL   string
	Model     string // default model ID if a request omits one
	MaxTokens int

	// ThinkingBudget enables extended thinking when non-zero.
	ThinkingBudget int

	// Bedrock configuration.
	UseBedrock bool
	Region     string
	Profile    string
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(ctx context.Context, config *AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" && !config.UseBedrock {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	var opts []option.RequestOption
	if config.UseBedrock {
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx))
	} else {
		opts = append(opts, option.WithAPIKey(apiKey))
		if config.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(config.BaseURL))
		}
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		models: anthropicModels(),
		config: config,
	}, nil
}

// ID returns the provider identifier.
func (p *AnthropicProvider) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "anthropic"
}

// Name returns the human-readable provider name.
func (p *AnthropicProvider) Name() string { return "Anthropic" }

// Models returns the list of available models.
func (p *AnthropicProvider) Models() []types.Model {
	return p.models
}

// CreateCompletion creates a streaming completion.
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (Stream, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.config.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	budget := req.ThinkingBudget
	if budget == 0 {
		budget = p.config.ThinkingBudget
	}
	if budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}
	params.Messages = msgs

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools

		switch req.ToolChoice {
		case "", "auto":
			// Model decides.
		case "any":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice}}
		}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream}, nil
}

func maxTokensOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return 8192
}

func toAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						input = tc.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError),
			))
		case RoleSystem:
			// System content is carried on the request, not as a message.
			continue
		}
	}
	return out, nil
}

func toAnthropicTools(tools []ToolInfo) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid parameters schema: %w", t.Name, err)
			}
		}
		props, _ := schema["properties"].(map[string]any)
		var required []string
		if req, ok := schema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: props,
			Required:   required,
		}, t.Name))
	}
	return out, nil
}

// anthropicStream adapts anthropic-sdk-go's SSE decoder to the Stream
// interface, accumulating the message so usage is available on Finish.
type anthropicStream struct {
	stream      *ssestream.Stream[anthropic.MessageStreamEventUnion]
	message     anthropic.Message
	pending     []StreamEvent
	activeTool  map[int64]string // block index -> tool call ID
	finished    bool
}

func (s *anthropicStream) Next() (StreamEvent, error) {
	for len(s.pending) == 0 && !s.finished {
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil && err != io.EOF {
				s.finished = true
				return FinishEvent{Reason: "error", Error: err}, nil
			}
			s.finished = true
			return s.finishEvent(), nil
		}
		event := s.stream.Current()
		if err := s.message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate: %w", err)
		}
		s.pending = s.translate(event)
	}
	if len(s.pending) == 0 {
		s.finished = true
		return s.finishEvent(), nil
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *anthropicStream) translate(event anthropic.MessageStreamEventUnion) []StreamEvent {
	if s.activeTool == nil {
		s.activeTool = make(map[int64]string)
	}
	switch event.Type {
	case "content_block_start":
		start := event.AsContentBlockStart()
		if start.ContentBlock.Type == "tool_use" {
			tu := start.ContentBlock.AsToolUse()
			s.activeTool[start.Index] = tu.ID
			return []StreamEvent{ToolCallStartEvent{ID: tu.ID, Name: tu.Name}}
		}
	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			return []StreamEvent{TextDeltaEvent{Text: delta.Delta.Text}}
		case "thinking_delta":
			return []StreamEvent{ReasoningDeltaEvent{Text: delta.Delta.Thinking}}
		case "signature_delta":
			return []StreamEvent{ReasoningDeltaEvent{Signature: json.RawMessage(`"` + delta.Delta.Signature + `"`)}}
		case "input_json_delta":
			if id, ok := s.activeTool[delta.Index]; ok {
				return []StreamEvent{ToolCallDeltaEvent{ID: id, Delta: delta.Delta.PartialJSON}}
			}
		}
	case "content_block_stop":
		delete(s.activeTool, event.AsContentBlockStop().Index)
	}
	return nil
}

func (s *anthropicStream) finishEvent() StreamEvent {
	reason := "stop"
	switch s.message.StopReason {
	case anthropic.StopReasonToolUse:
		reason = "tool-calls"
	case anthropic.StopReasonMaxTokens:
		reason = "max_tokens"
	}
	return FinishEvent{
		Reason: reason,
		Usage: &Usage{
			InputTokens:      int(s.message.Usage.InputTokens),
			OutputTokens:     int(s.message.Usage.OutputTokens),
			CacheReadTokens:  int(s.message.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(s.message.Usage.CacheCreationInputTokens),
		},
	}
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// anthropicModels returns the list of Anthropic models.
func anthropicModels() []types.Model {
	return []types.Model{
		{
			ID:                "claude-sonnet-4-20250514",
			Name:              "Claude Sonnet 4",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   64000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: false,
			InputPrice:        3.0,
			OutputPrice:       15.0,
			Options: types.ModelOptions{
				PromptCaching:  true,
				ExtendedOutput: true,
			},
		},
		{
			ID:                "claude-opus-4-20250514",
			Name:              "Claude Opus 4",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   32000,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			InputPrice:        15.0,
			OutputPrice:       75.0,
			Options: types.ModelOptions{
				PromptCaching: true,
			},
		},
		{
			ID:                "claude-3-5-sonnet-20241022",
			Name:              "Claude 3.5 Sonnet",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   8192,
			SupportsTools:     true,
			SupportsVision:    true,
			InputPrice:        3.0,
			OutputPrice:       15.0,
			Options: types.ModelOptions{
				PromptCaching: true,
			},
		},
		{
			ID:                "claude-3-5-haiku-20241022",
			Name:              "Claude 3.5 Haiku",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   8192,
			SupportsTools:     true,
			SupportsVision:    true,
			InputPrice:        0.8,
			OutputPrice:       4.0,
		},
		{
			ID:                "claude-haiku-4-5-20251001",
			Name:              "Claude 4.5 Haiku",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   8192,
			SupportsTools:     true,
			SupportsVision:    true,
			InputPrice:        0.8,
			OutputPrice:       4.0,
		},
		// Alias for claude-haiku-4-5-20251001
		{
			ID:                "claude-haiku-4-5",
			Name:              "Claude 4.5 Haiku",
			ProviderID:        "anthropic",
			ContextLength:     200000,
			MaxOutputTokens:   8192,
			SupportsTools:     true,
			SupportsVision:    true,
			InputPrice:        0.8,
			OutputPrice:       4.0,
		},
	}
}
