package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/qerrors"
	"github.com/qbit-ai/qbit/pkg/types"
)

// MaxIterations bounds how many provider streams one turn may consume. A
// turn that hits the ceiling is completed with whatever text accumulated
// and a truncation notice in the event metadata.
const MaxIterations = 50

// Event payload shapes for the turn lifecycle events on the ai-event
// channel. Field names are part of the host contract.
type StartedPayload struct {
	TurnID string `json:"turn_id"`
}

type CompletedPayload struct {
	Response     string `json:"response"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	DurationMS   int64  `json:"duration_ms"`
	Truncated    bool   `json:"truncated,omitempty"`
}

type CancelledPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// runLoop executes one turn of the agentic loop: stream, commit, execute
// tool calls, repeat until the model stops asking for tools or the
// iteration ceiling is hit.
func (p *Processor) runLoop(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	log := logging.With().Str("component", "agent").Str("session_id", sessionID).Logger()
	turnStart := time.Now()

	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return qerrors.Fatal("loop.session", err)
	}

	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return qerrors.Fatal("loop.history", err)
	}
	if len(messages) == 0 {
		return qerrors.Fatal("loop.history", fmt.Errorf("no messages in session"))
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != types.RoleUser {
		return qerrors.Fatal("loop.history", fmt.Errorf("expected user message, got %s", lastMsg.Role))
	}

	providerID, modelID := p.defaultProviderID, p.defaultModelID
	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return qerrors.Fatal("loop.provider", err)
	}
	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return qerrors.Fatal("loop.model", err)
	}
	caps := provider.CapabilitiesFor(providerID, modelID)

	if agent == nil {
		agent = DefaultAgent()
	}
	maxIterations := agent.MaxSteps
	if maxIterations <= 0 || maxIterations > MaxIterations {
		maxIterations = MaxIterations
	}

	turnID := ulid.Make().String()
	p.emit(sessionID, "started", StartedPayload{TurnID: turnID})
	userInput := userText(p, ctx, lastMsg)
	go p.ensureTitle(context.WithoutCancel(ctx), session, userInput)

	var totalUsage provider.Usage
	var finalText string

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			p.emit(sessionID, "cancelled", CancelledPayload{Reason: "user"})
			return nil
		}

		if iteration >= maxIterations {
			p.emit(sessionID, "completed", CompletedPayload{
				Response:     finalText,
				InputTokens:  totalUsage.InputTokens,
				OutputTokens: totalUsage.OutputTokens,
				DurationMS:   time.Since(turnStart).Milliseconds(),
				Truncated:    true,
			})
			log.Warn().Int("iterations", iteration).Msg("iteration ceiling reached")
			return nil
		}

		systemPrompt := NewSystemPrompt(session, agent, providerID, modelID).
			WithSkills(p.skills, userInput).
			Build()

		if p.shouldCompact(ctx, messages, systemPrompt, model) {
			if err := p.compactHistory(ctx, sessionID, messages); err != nil {
				// Proactive compaction is best effort; the request may
				// still fit. A hard context overflow surfaces below.
				log.Warn().Err(err).Msg("compaction failed, continuing uncompacted")
			}
			messages, err = p.loadMessages(ctx, sessionID)
			if err != nil {
				return qerrors.Fatal("loop.history", err)
			}
		}

		req, err := p.buildCompletionRequest(ctx, systemPrompt, messages, agent, model, caps)
		if err != nil {
			p.emit(sessionID, "error", ErrorPayload{Kind: string(qerrors.KindFatal), Message: err.Error()})
			return qerrors.Fatal("loop.request", err)
		}

		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			err = provider.ClassifyError(providerID, err)
			p.emit(sessionID, "error", ErrorPayload{Kind: string(qerrors.KindProvider), Message: err.Error()})
			return qerrors.WrapProvider("loop.completion", err)
		}

		outcome, streamErr := p.consumeStream(ctx, sessionID, stream, caps.SupportsThinkingHistory)
		stream.Close()

		if streamErr != nil {
			if errors.Is(streamErr, context.Canceled) {
				p.emit(sessionID, "cancelled", CancelledPayload{Reason: "user"})
				return nil
			}
			// Provider errors during streaming: this stream commits no
			// assistant message and the turn ends. Messages already stored
			// for the turn (the user message and any assistant/tool
			// messages of earlier iterations) stay in history; nothing is
			// rolled back.
			p.emit(sessionID, "error", ErrorPayload{Kind: string(qerrors.KindStream), Message: streamErr.Error()})
			return qerrors.WrapStream("loop.stream", streamErr)
		}

		if outcome.Usage != nil {
			totalUsage.InputTokens += outcome.Usage.InputTokens
			totalUsage.OutputTokens += outcome.Usage.OutputTokens
			totalUsage.ReasoningTokens += outcome.Usage.ReasoningTokens
		}
		finalText = outcome.Text

		assistantMsg := p.commitAssistantMessage(ctx, sessionID, session, providerID, modelID, outcome, &totalUsage)
		state.message = assistantMsg
		if parts, err := p.loadParts(ctx, assistantMsg.ID); err == nil {
			state.parts = append(state.parts, parts...)
		}
		callback(assistantMsg, state.parts)

		if len(outcome.ToolCalls) == 0 {
			finish := "stop"
			if outcome.FinishReason == "max_tokens" {
				finish = "max_tokens"
			}
			assistantMsg.Finish = &finish
			p.saveMessage(ctx, sessionID, assistantMsg)
			p.emit(sessionID, "completed", CompletedPayload{
				Response:     outcome.Text,
				InputTokens:  totalUsage.InputTokens,
				OutputTokens: totalUsage.OutputTokens,
				DurationMS:   time.Since(turnStart).Milliseconds(),
			})
			return nil
		}

		cancelled, err := p.executeToolCalls(ctx, sessionID, state, agent, assistantMsg, outcome.ToolCalls, callback)
		if err != nil {
			return err
		}
		if cancelled {
			p.emit(sessionID, "cancelled", CancelledPayload{Reason: "user"})
			return nil
		}

		messages, err = p.loadMessages(ctx, sessionID)
		if err != nil {
			return qerrors.Fatal("loop.history", err)
		}
	}
}

// commitAssistantMessage persists the streamed assistant turn: its text,
// preserved reasoning, and one pending tool part per tool call.
func (p *Processor) commitAssistantMessage(
	ctx context.Context,
	sessionID string,
	session *types.Session,
	providerID, modelID string,
	outcome *streamOutcome,
	usage *provider.Usage,
) *types.Message {
	now := time.Now().UnixMilli()
	msg := &types.Message{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Role:       types.RoleAssistant,
		ProviderID: providerID,
		ModelID:    modelID,
		Time:       types.MessageTime{Created: now},
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Tokens: &types.TokenUsage{
			Input:     usage.InputTokens,
			Output:    usage.OutputTokens,
			Reasoning: usage.ReasoningTokens,
		},
	}
	p.saveMessage(ctx, sessionID, msg)

	if outcome.Reasoning != "" {
		part := &types.ReasoningPart{
			ID:        ulid.Make().String(),
			SessionID: sessionID,
			MessageID: msg.ID,
			Type:      "reasoning",
			Text:      outcome.Reasoning,
		}
		if len(outcome.ReasoningSignature) > 0 {
			var sig string
			if err := json.Unmarshal(outcome.ReasoningSignature, &sig); err == nil {
				part.Signature = sig
			} else {
				part.Signature = string(outcome.ReasoningSignature)
			}
		}
		p.savePart(ctx, msg.ID, part)
	}

	if outcome.Text != "" {
		p.savePart(ctx, msg.ID, &types.TextPart{
			ID:        ulid.Make().String(),
			SessionID: sessionID,
			MessageID: msg.ID,
			Type:      "text",
			Text:      outcome.Text,
		})
	}

	for _, call := range outcome.ToolCalls {
		input, raw := parseToolArguments(call.Args.String())
		p.savePart(ctx, msg.ID, &types.ToolPart{
			ID:        ulid.Make().String(),
			SessionID: sessionID,
			MessageID: msg.ID,
			Type:      "tool",
			CallID:    call.ID,
			Tool:      call.Name,
			State: types.ToolState{
				Status: "pending",
				Input:  input,
				Raw:    string(raw),
				Time:   &types.ToolTime{Start: time.Now().UnixMilli()},
			},
		})
	}

	return msg
}

// buildCompletionRequest converts the stored history into the provider's
// vendor-neutral request shape and applies capability-aware settings.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	systemPrompt string,
	messages []*types.Message,
	agent *Agent,
	model *types.Model,
	caps provider.ModelCapabilities,
) (*provider.CompletionRequest, error) {
	history := make([]provider.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Error != nil {
			continue
		}
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		pm, ok := p.convertMessage(msg, parts)
		if ok {
			history = append(history, pm)
		}
	}

	tools, err := p.resolveTools(agent, model)
	if err != nil {
		return nil, err
	}

	req := &provider.CompletionRequest{
		Model:       model.ID,
		System:      systemPrompt,
		Messages:    history,
		Tools:       tools,
		MaxTokens:   model.MaxOutputTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}
	return provider.NormalizeRequest(req, caps), nil
}

// convertMessage folds one stored message and its parts into the provider
// shape. Messages with nothing to say (no text, no tool calls) are
// dropped.
func (p *Processor) convertMessage(msg *types.Message, parts []types.Part) (provider.Message, bool) {
	var text string
	var toolCalls []provider.ToolCall

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			text += pt.Text
		case *types.ToolPart:
			if msg.Role == types.RoleAssistant {
				args := pt.State.Raw
				if args == "" {
					encoded, _ := json.Marshal(pt.State.Input)
					args = string(encoded)
				}
				toolCalls = append(toolCalls, provider.ToolCall{
					ID:        pt.CallID,
					Name:      pt.Tool,
					Arguments: args,
				})
			}
		}
	}

	out := provider.Message{Content: text}
	switch msg.Role {
	case types.RoleUser:
		out.Role = provider.RoleUser
	case types.RoleSystem:
		out.Role = provider.RoleSystem
	case types.RoleTool:
		out.Role = provider.RoleTool
		out.ToolCallID = msg.ToolCallID
		out.ToolName = msg.ToolName
		out.IsError = msg.IsError
	case types.RoleAssistant:
		out.Role = provider.RoleAssistant
		out.ToolCalls = toolCalls
	}

	if out.Content == "" && len(out.ToolCalls) == 0 && out.Role != provider.RoleTool {
		return out, false
	}
	return out, true
}

// resolveTools returns the tool definitions advertised to the model: the
// registry's built-ins filtered by the agent's enablement policy, plus
// the MCP manager's current tool subset.
func (p *Processor) resolveTools(agent *Agent, model *types.Model) ([]provider.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	var result []provider.ToolInfo

	if p.toolRegistry != nil {
		defs, err := p.toolRegistry.ToolInfos()
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if !agent.ToolEnabled(d.Name) {
				continue
			}
			result = append(result, provider.ToolInfo{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}

	if p.mcp != nil {
		for _, d := range p.mcp.ToolDefinitions() {
			result = append(result, provider.ToolInfo{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}

	return result, nil
}

// findSession finds a session by ID across all projects.
func (p *Processor) findSession(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := p.storage.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}

	for _, projectID := range projects {
		var session types.Session
		if err := p.storage.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}

	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// loadMessages loads all messages for a session, ordered by creation
// time (ULID ids tie-break equal timestamps).
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := p.storage.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Time.Created != messages[j].Time.Created {
			return messages[i].Time.Created < messages[j].Time.Created
		}
		return messages[i].ID < messages[j].ID
	})
	return messages, nil
}

// saveMessage saves a message and stamps its update time.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now
	return p.storage.Put(ctx, []string{"message", sessionID, msg.ID}, msg)
}

// savePart saves a part for a message.
func (p *Processor) savePart(ctx context.Context, messageID string, part types.Part) error {
	return p.storage.Put(ctx, []string{"part", messageID, part.PartID()}, part)
}

// loadParts loads all parts for a message.
func (p *Processor) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := p.storage.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// userText extracts the text of a user message for title generation.
func userText(p *Processor, ctx context.Context, msg *types.Message) string {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return ""
	}
	var text string
	for _, part := range parts {
		if tp, ok := part.(*types.TextPart); ok {
			text += tp.Text
		}
	}
	return text
}
