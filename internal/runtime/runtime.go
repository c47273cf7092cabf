// Package runtime is the C1 abstraction spec.md describes: the event sink
// and approval transport that lets the same agent core drive a GUI, a
// CLI, or an auto-approving eval harness without the loop (internal/agent)
// knowing which one it's talking to.
package runtime

import (
	"context"

	"github.com/qbit-ai/qbit/pkg/types"
)

// Channel names for the well-known event channels described in spec.md §6.
// A Runtime also accepts arbitrary caller-supplied channel names.
const (
	ChannelAIEvent        = "ai-event"
	ChannelTerminalOutput = "terminal_output"
	ChannelSessionEnded   = "session_ended"
)

// Runtime is the capability set the agentic loop and bridge depend on:
// emit an event on a named channel, request a human approval decision,
// and query whether this runtime is interactive or auto-approving.
type Runtime interface {
	// Emit publishes payload on the named channel. Errors are logged by
	// the implementation and never returned — emission failure must never
	// fail the turn (spec.md §7, EmitFailed).
	Emit(channel string, payload any)

	// RequestApproval blocks until a decision is reached for req, the
	// context is cancelled, or the runtime's own timeout elapses.
	RequestApproval(ctx context.Context, req types.ApprovalRequest) (types.ApprovalResponse, error)

	// AutoApprove reports whether this runtime resolves every approval
	// request itself without ever reaching a human.
	AutoApprove() bool

	// IsInteractive reports whether a human is on the other end of Emit.
	IsInteractive() bool

	// Shutdown releases the runtime's resources (pending approvals are
	// resolved as a deny; event channels are closed).
	Shutdown()
}

// AIEvent is the payload shape published on ChannelAIEvent.
type AIEvent struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
}

// TerminalOutput is the payload shape published on ChannelTerminalOutput.
type TerminalOutput struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// SessionEnded is the payload shape published on ChannelSessionEnded.
type SessionEnded struct {
	SessionID string `json:"sessionId"`
}
