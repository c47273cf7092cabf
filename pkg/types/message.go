// Package types provides the core data types shared across the agent core:
// conversation messages, tool calls, approval patterns, transcripts and
// session archives.
package types

import "encoding/json"

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message represents one entry in a session's conversation history.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      Role        `json:"role"`
	Time      MessageTime `json:"time"`

	// User-specific fields
	Agent  string          `json:"agent,omitempty"`
	Model  *ModelRef       `json:"model,omitempty"`
	System *string         `json:"system,omitempty"`
	Tools  map[string]bool `json:"tools,omitempty"`

	// Assistant-specific fields
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	ParentID   string        `json:"parentID,omitempty"`
	Path       *MessagePath  `json:"path,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`

	// IsSummary marks an assistant message as a compaction summary
	// standing in for the history it replaced.
	IsSummary bool `json:"summary,omitempty"`

	// Tool-role fields. A tool message always carries the ID of the
	// ToolCall it answers; the loop refuses to build a completion request
	// with a tool message that does not resolve to a prior assistant
	// tool call in the same conversation. Cancelled marks a tool message
	// synthesized for a call that never ran because the turn was
	// cancelled; IsError marks one whose envelope reported failure
	// (including a denied approval), replayed to providers whose wire
	// shape carries an error flag on tool results.
	ToolCallID string `json:"toolCallID,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// TodoInfo is one entry in a session's structured task list, managed by
// the todowrite/todoread tools.
type TodoInfo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"` // "pending" | "in_progress" | "completed"
	Priority string `json:"priority,omitempty"`
}

// MessagePath records the working directory an assistant message was
// generated in, so tool calls within the same turn resolve relative paths
// consistently even if the process's own cwd changes later.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error that ended a turn abnormally. Type
// mirrors the qerrors kind that produced it ("provider" | "stream" |
// "tool" | "approval_denied" | "approval_timeout" | "mcp" | "fatal").
type MessageError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToolCall is a single tool invocation requested by the model within one
// assistant turn. Signature carries provider-specific opaque bytes (e.g.
// Anthropic's extended-thinking signature) that must be echoed back
// unmodified on the next turn; callers must not inspect it.
type ToolCall struct {
	ID        string          `json:"id"`
	CallID    string          `json:"callID"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Signature json.RawMessage `json:"signature,omitempty"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

// ToolResult is the uniform envelope every tool invocation returns,
// regardless of which tool produced it. A result is successful when Error
// is empty; shell-backed tools additionally require ExitCode == 0.
type ToolResult struct {
	Output    string         `json:"output"`
	Error     string         `json:"error,omitempty"`
	ExitCode  *int           `json:"exitCode,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Title     string         `json:"title,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// Succeeded reports whether the tool call completed without error. For
// shell-backed tools, a zero exit code is also required.
func (r ToolResult) Succeeded() bool {
	if r.Error != "" {
		return false
	}
	if r.ExitCode != nil && *r.ExitCode != 0 {
		return false
	}
	return true
}
