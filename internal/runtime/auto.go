package runtime

import (
	"context"
	"sync"

	"github.com/qbit-ai/qbit/pkg/types"
)

// AutoApproveRuntime resolves every approval synchronously as Approved and
// records every emitted event for later inspection. Used by eval
// harnesses that need a turn to run to completion without a human.
type AutoApproveRuntime struct {
	mu     sync.Mutex
	events []CLIEvent
}

// NewAutoApproveRuntime constructs an empty AutoApproveRuntime.
func NewAutoApproveRuntime() *AutoApproveRuntime {
	return &AutoApproveRuntime{}
}

// Emit records the event; it never blocks and never drops.
func (a *AutoApproveRuntime) Emit(channel string, payload any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, CLIEvent{Channel: channel, Payload: payload})
}

// Events returns a copy of every event recorded so far, in emission order.
func (a *AutoApproveRuntime) Events() []CLIEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CLIEvent, len(a.events))
	copy(out, a.events)
	return out
}

// RequestApproval always approves immediately, without consulting ctx.
func (a *AutoApproveRuntime) RequestApproval(ctx context.Context, req types.ApprovalRequest) (types.ApprovalResponse, error) {
	return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalAllow}, nil
}

// AutoApprove is always true.
func (a *AutoApproveRuntime) AutoApprove() bool { return true }

// IsInteractive is always false: nothing reads the emitted events live.
func (a *AutoApproveRuntime) IsInteractive() bool { return false }

// Shutdown is a no-op; there is nothing to release.
func (a *AutoApproveRuntime) Shutdown() {}

var _ Runtime = (*AutoApproveRuntime)(nil)
