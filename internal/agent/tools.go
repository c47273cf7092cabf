package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/qbit-ai/qbit/internal/hitl"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

// mcpToolPrefix marks tool names dispatched through the MCP manager
// rather than the local registry.
const mcpToolPrefix = "mcp__"

// ToolCallEventPayload is the ai-event body for tool_call_started and
// tool_call_completed.
type ToolCallEventPayload struct {
	CallID string            `json:"call_id"`
	Tool   string            `json:"tool"`
	Args   map[string]any    `json:"args,omitempty"`
	Result *types.ToolResult `json:"result,omitempty"`
}

// executeToolCalls runs the committed tool calls of one assistant message
// sequentially, in the order the provider emitted them. Each call gets a
// tool message appended to history: the result envelope on success or
// failure, a refusal note when approval was denied, a cancellation note
// when the turn was cancelled before the call ran. The returned flag
// reports whether the turn was cancelled mid-execution.
func (p *Processor) executeToolCalls(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	assistantMsg *types.Message,
	calls []*pendingToolCall,
	callback ProcessCallback,
) (cancelled bool, err error) {
	toolParts := p.toolPartsByCallID(ctx, assistantMsg.ID)

	for i, call := range calls {
		if ctx.Err() != nil {
			// Every not-yet-executed call still needs a tool message so
			// no assistant tool call dangles without an answer.
			for _, rest := range calls[i:] {
				p.appendToolMessage(ctx, sessionID, assistantMsg, rest, types.ToolResult{
					Error: "tool call cancelled before execution",
				}, true)
			}
			return true, nil
		}

		args, rawArgs := parseToolArguments(call.Args.String())
		part := toolParts[call.ID]

		result := p.runSingleCall(ctx, sessionID, agent, call, args, rawArgs, part)

		p.appendToolMessage(ctx, sessionID, assistantMsg, call, result, false)
		p.finishToolPart(ctx, assistantMsg.ID, part, result)
		if part != nil {
			p.recordDiff(ctx, sessionID, part)
		}
		callback(assistantMsg, state.parts)
	}

	return false, nil
}

// runSingleCall takes one tool call through approval and dispatch,
// returning its result envelope. Failures are data, never errors: the
// envelope's Error field carries them back to the model.
func (p *Processor) runSingleCall(
	ctx context.Context,
	sessionID string,
	agent *Agent,
	call *pendingToolCall,
	args map[string]any,
	rawArgs json.RawMessage,
	part *types.ToolPart,
) types.ToolResult {
	p.emit(sessionID, "tool_call_started", ToolCallEventPayload{
		CallID: call.ID,
		Tool:   call.Name,
		Args:   args,
	})

	if result, refused := p.approveCall(ctx, sessionID, agent, call.Name, args); refused {
		p.emit(sessionID, "tool_call_completed", ToolCallEventPayload{
			CallID: call.ID,
			Tool:   call.Name,
			Result: &result,
		})
		return result
	}

	if part != nil {
		part.State.Status = "running"
		p.savePart(ctx, part.MessageID, part)
	}

	var result types.ToolResult
	if strings.HasPrefix(call.Name, mcpToolPrefix) && p.mcp != nil {
		result = p.mcp.CallTool(ctx, call.Name, rawArgs)
	} else {
		toolCtx := &tool.Context{
			SessionID: sessionID,
			CallID:    call.ID,
			Agent:     agent.Name,
			WorkDir:   p.workDirFor(ctx, sessionID),
			AbortCh:   ctx.Done(),
		}
		result = p.toolRegistry.Dispatch(ctx, call.Name, rawArgs, toolCtx)
	}

	p.emit(sessionID, "tool_call_completed", ToolCallEventPayload{
		CallID: call.ID,
		Tool:   call.Name,
		Result: &result,
	})
	return result
}

// approveCall applies the HITL gate to one call. Low-risk (read-only)
// tools proceed without a prompt; everything else goes through the
// recorder's decision rule, with doom-loop repetition forcing a prompt
// even for calls a learned pattern would otherwise wave through.
func (p *Processor) approveCall(
	ctx context.Context,
	sessionID string,
	agent *Agent,
	toolName string,
	args map[string]any,
) (types.ToolResult, bool) {
	risk := hitl.RiskFor(toolName)

	doomed := p.doomLoop != nil && p.doomLoop.Check(sessionID, toolName, args)

	if risk == types.RiskLow && !doomed {
		return types.ToolResult{}, false
	}
	if p.recorder == nil || p.rt == nil {
		return types.ToolResult{}, false
	}
	if p.rt.AutoApprove() && !doomed {
		return types.ToolResult{}, false
	}

	patternKey := approvalPatternKey(toolName, args)
	if doomed {
		patternKey = "doom_loop:" + patternKey
	}

	action, err := p.recorder.Decide(ctx, p.rt, sessionID, toolName, patternKey, args)
	if err != nil {
		return types.ToolResult{
			Error: "approval request failed: " + err.Error(),
		}, true
	}
	if action != types.ApprovalAllow {
		return types.ToolResult{
			Error: "approval denied by user for " + toolName,
		}, true
	}
	return types.ToolResult{}, false
}

// approvalPatternKey folds a call into the key its approval history
// accumulates under. Bash commands learn per command and subcommand rather
// than per exact argument string, so "git status" and "git status -s"
// share the pattern "git status *" while "git diff" and "rm -rf" learn
// separately.
func approvalPatternKey(toolName string, args map[string]any) string {
	if toolName != "bash" && toolName != "run_command" {
		return toolName
	}
	command, _ := args["command"].(string)
	if command == "" {
		return toolName
	}
	parsed, err := hitl.ParseBashCommand(command)
	if err != nil || len(parsed) == 0 {
		return toolName
	}
	patterns := hitl.BuildPatterns(parsed)
	if len(patterns) == 0 {
		return toolName
	}
	return toolName + ":" + strings.Join(patterns, ",")
}

// appendToolMessage appends the tool-role message answering one call.
func (p *Processor) appendToolMessage(
	ctx context.Context,
	sessionID string,
	assistantMsg *types.Message,
	call *pendingToolCall,
	result types.ToolResult,
	cancelled bool,
) {
	content := result.Output
	if result.Error != "" {
		content = "Error: " + result.Error
	}

	msg := &types.Message{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Role:       types.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Cancelled:  cancelled,
		IsError:    result.Error != "" || cancelled,
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
	}
	p.saveMessage(ctx, sessionID, msg)
	p.savePart(ctx, msg.ID, &types.TextPart{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		MessageID: msg.ID,
		Type:      "text",
		Text:      content,
	})
}

// finishToolPart records the execution outcome on the assistant message's
// tool part for display and archival.
func (p *Processor) finishToolPart(ctx context.Context, messageID string, part *types.ToolPart, result types.ToolResult) {
	if part == nil {
		return
	}
	now := time.Now().UnixMilli()
	if result.Error != "" {
		part.State.Status = "error"
		part.State.Error = result.Error
	} else {
		part.State.Status = "completed"
		part.State.Output = result.Output
	}
	part.State.Title = result.Title
	if result.Metadata != nil {
		if part.State.Metadata == nil {
			part.State.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			part.State.Metadata[k] = v
		}
	}
	if part.State.Time != nil {
		part.State.Time.End = &now
	}
	p.savePart(ctx, messageID, part)
}

// toolPartsByCallID loads the assistant message's tool parts keyed by
// provider call id.
func (p *Processor) toolPartsByCallID(ctx context.Context, messageID string) map[string]*types.ToolPart {
	out := make(map[string]*types.ToolPart)
	parts, err := p.loadParts(ctx, messageID)
	if err != nil {
		return out
	}
	for _, part := range parts {
		if tp, ok := part.(*types.ToolPart); ok {
			out[tp.CallID] = tp
		}
	}
	return out
}

// workDirFor resolves the session's workspace directory for tool
// sandboxing.
func (p *Processor) workDirFor(ctx context.Context, sessionID string) string {
	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return ""
	}
	return session.Directory
}
