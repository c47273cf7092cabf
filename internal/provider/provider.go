// Package provider abstracts the LLM vendors the agentic loop can drive
// behind one streaming interface. Each concrete provider translates its
// vendor SDK's wire types into the sum-type events below so internal/agent
// never imports a vendor package directly.
package provider

import (
	"context"
	"encoding/json"

	"github.com/qbit-ai/qbit/pkg/types"
)

// Role identifies the speaker of a provider-level message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the vendor-neutral conversation entry the loop builds from
// types.Message + its parts before handing a turn to a Provider.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on Role == RoleTool: the call this message answers
	ToolName   string // set on Role == RoleTool: name of the tool that ran

	// IsError marks a tool message whose call failed (or was refused);
	// providers whose wire shape flags tool-result errors set it there,
	// the rest rely on the message content alone.
	IsError bool
}

// ToolCall is a single tool invocation the assistant requested in a prior
// turn, replayed back to the provider as conversation history.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string          // JSON-encoded arguments
	Signature json.RawMessage // opaque, provider-specific; echoed back unmodified
}

// ToolInfo describes a tool the model may call.
type ToolInfo struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// CompletionRequest is a single turn's worth of context sent to a provider.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []Message

	// Documents are additional context blobs injected as extra user
	// messages ahead of the conversation (NormalizeRequest folds them in
	// so individual providers never see the field).
	Documents []string

	Tools []ToolInfo

	// ToolChoice biases tool selection: "" or "auto" leaves it to the
	// model, "any" requires some tool, any other value names the one
	// tool the model must call. Providers without the knob ignore it.
	ToolChoice string

	MaxTokens      int
	Temperature    float64
	TopP           float64
	StopSequences  []string
	ThinkingBudget int // extended-thinking token budget; 0 disables thinking
}

// Usage reports token accounting for a completed turn.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	ReasoningTokens  int
	CacheReadTokens  int
	CacheWriteTokens int
}

// StreamEvent is the sum type every provider's Stream emits. Events for a
// given tool-call ID arrive in order (start, then zero or more deltas);
// text and reasoning deltas interleave freely with tool-call events.
type StreamEvent interface {
	streamEvent()
}

// TextDeltaEvent carries an incremental chunk of assistant-visible text.
type TextDeltaEvent struct {
	Text string
}

func (TextDeltaEvent) streamEvent() {}

// ReasoningDeltaEvent carries an incremental chunk of extended-thinking
// content. Signature, when present, is opaque provider-specific bytes
// (e.g. Anthropic's thinking-block signature) that must be replayed back
// unmodified on the next turn; callers must not inspect it.
type ReasoningDeltaEvent struct {
	Text      string
	Signature json.RawMessage
}

func (ReasoningDeltaEvent) streamEvent() {}

// ToolCallStartEvent announces a new tool call; argument deltas for the
// same ID follow as ToolCallDeltaEvent.
type ToolCallStartEvent struct {
	ID   string
	Name string
}

func (ToolCallStartEvent) streamEvent() {}

// ToolCallDeltaEvent carries an incremental chunk of JSON-encoded tool
// arguments for a call already announced by ToolCallStartEvent.
type ToolCallDeltaEvent struct {
	ID    string
	Delta string
}

func (ToolCallDeltaEvent) streamEvent() {}

// FinishEvent is the terminal event of a stream. Reason is one of
// "stop", "tool-calls", "max_tokens", or "error".
type FinishEvent struct {
	Reason string
	Usage  *Usage
	Error  error
}

func (FinishEvent) streamEvent() {}

// Stream is a single turn's event sequence ending in a FinishEvent. Next
// keeps returning a FinishEvent if called again after that; callers stop
// at the first one.
type Stream interface {
	Next() (StreamEvent, error)
	Close() error
}

// Provider is a single LLM vendor integration.
type Provider interface {
	// ID returns the provider identifier used in types.ModelRef.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the statically known models this provider exposes.
	Models() []types.Model

	// CreateCompletion starts a streaming completion for one turn.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (Stream, error)
}
