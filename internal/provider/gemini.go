package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/qbit-ai/qbit/pkg/types"
)

// GeminiProvider implements Provider for Google Gemini models, via the
// Gemini API directly or a Vertex AI project/region.
type GeminiProvider struct {
	client *genai.Client
	models []types.Model
	config *GeminiConfig
}

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	// ID is the provider identifier. Defaults to "gemini".
	ID     string
	APIKey string
	Model  string

	// Vertex configuration. When UseVertex is set, Project and Location
	// select the cloud region and the API key is not used.
	UseVertex bool
	Project   string
	Location  string
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(ctx context.Context, config *GeminiConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{}
	if config.UseVertex {
		cc.Backend = genai.BackendVertexAI
		cc.Project = config.Project
		cc.Location = config.Location
	} else {
		apiKey := config.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = apiKey
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		models: geminiModels(),
		config: config,
	}, nil
}

// ID returns the provider identifier.
func (p *GeminiProvider) ID() string {
	if p.config.ID != "" {
		return p.config.ID
	}
	return "gemini"
}

// Name returns the human-readable provider name.
func (p *GeminiProvider) Name() string {
	if p.config.UseVertex {
		return "Gemini (Vertex AI)"
	}
	return "Gemini"
}

// Models returns the list of available models.
func (p *GeminiProvider) Models() []types.Model {
	return p.models
}

// CreateCompletion creates a streaming completion.
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (Stream, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.config.Model
	}

	contents := toGeminiContents(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toGeminiTools(req.Tools)
	}

	iter := p.client.Models.GenerateContentStream(ctx, modelID, contents, cfg)
	gs := &geminiStream{events: make(chan StreamEvent, 16), done: make(chan struct{})}
	go gs.consume(iter)
	return gs, nil
}

func toGeminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	callCounter := 0
	for _, m := range msgs {
		content := &genai.Content{}
		switch m.Role {
		case RoleUser:
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		case RoleAssistant:
			content.Role = genai.RoleModel
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
				callCounter++
			}
		case RoleTool:
			content.Role = genai.RoleUser
			var response map[string]any
			if m.IsError {
				response = map[string]any{"error": m.Content}
			} else if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.ToolName, Response: response},
			})
		case RoleSystem:
			// Carried on the request's SystemInstruction.
			continue
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func toGeminiTools(tools []ToolInfo) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
				continue
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

// geminiStream adapts the genai streaming iterator to the Stream
// interface. The iterator is range-driven, so a goroutine pumps its
// responses into a channel Next drains. Gemini does not assign tool-call
// ids; the stream synthesizes call_<n> ids, complete in one delta each.
type geminiStream struct {
	events   chan StreamEvent
	done     chan struct{}
	finished bool
}

func (s *geminiStream) consume(it func(yield func(*genai.GenerateContentResponse, error) bool)) {
	defer close(s.events)
	callN := 0
	var usage Usage
	finishReason := "stop"
	sawToolCall := false

	for resp, err := range it {
		if err != nil {
			select {
			case s.events <- FinishEvent{Reason: "error", Error: err}:
			case <-s.done:
			}
			return
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			usage.ReasoningTokens = int(resp.UsageMetadata.ThoughtsTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				finishReason = "max_tokens"
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					ev := StreamEvent(TextDeltaEvent{Text: part.Text})
					if part.Thought {
						ev = ReasoningDeltaEvent{Text: part.Text}
					}
					select {
					case s.events <- ev:
					case <-s.done:
						return
					}
				}
				if part.FunctionCall != nil {
					callN++
					sawToolCall = true
					id := fmt.Sprintf("call_%d", callN)
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					for _, ev := range []StreamEvent{
						ToolCallStartEvent{ID: id, Name: part.FunctionCall.Name},
						ToolCallDeltaEvent{ID: id, Delta: string(args)},
					} {
						select {
						case s.events <- ev:
						case <-s.done:
							return
						}
					}
				}
			}
		}
	}

	if sawToolCall && finishReason == "stop" {
		finishReason = "tool-calls"
	}
	select {
	case s.events <- FinishEvent{Reason: finishReason, Usage: &usage}:
	case <-s.done:
	}
}

func (s *geminiStream) Next() (StreamEvent, error) {
	if s.finished {
		return FinishEvent{Reason: "stop"}, nil
	}
	ev, ok := <-s.events
	if !ok {
		s.finished = true
		return FinishEvent{Reason: "stop"}, nil
	}
	if _, ok := ev.(FinishEvent); ok {
		s.finished = true
	}
	return ev, nil
}

func (s *geminiStream) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func geminiModels() []types.Model {
	return []types.Model{
		{
			ID:                "gemini-2.5-pro",
			Name:              "Gemini 2.5 Pro",
			ProviderID:        "gemini",
			ContextLength:     1048576,
			MaxOutputTokens:   65536,
			SupportsTools:     true,
			SupportsVision:    true,
			SupportsReasoning: true,
			InputPrice:        1.25,
			OutputPrice:       10.0,
		},
		{
			ID:              "gemini-2.5-flash",
			Name:            "Gemini 2.5 Flash",
			ProviderID:      "gemini",
			ContextLength:   1048576,
			MaxOutputTokens: 65536,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      0.3,
			OutputPrice:     2.5,
		},
		{
			ID:              "gemini-2.0-flash",
			Name:            "Gemini 2.0 Flash",
			ProviderID:      "gemini",
			ContextLength:   1000000,
			MaxOutputTokens: 8192,
			SupportsTools:   true,
			SupportsVision:  true,
			InputPrice:      0.1,
			OutputPrice:     0.4,
		},
	}
}
