package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/qbit-ai/qbit/internal/event"
	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/pkg/types"
)

// ApprovalTimeout is how long GUIRuntime waits for a host response before
// resolving a pending approval as a deny with Justification "timeout";
// there is no separate Timeout action.
const ApprovalTimeout = 300 * time.Second

// GUIRuntime emits onto the shared event bus keyed by channel name and
// tracks pending approval requests in a map so a host-side Respond call
// can resolve them asynchronously, out of band from the goroutine that
// issued RequestApproval.
type GUIRuntime struct {
	mu      sync.Mutex
	pending map[string]chan types.ApprovalResponse
}

// NewGUIRuntime constructs a GUIRuntime with no pending requests.
func NewGUIRuntime() *GUIRuntime {
	return &GUIRuntime{pending: make(map[string]chan types.ApprovalResponse)}
}

// Emit publishes payload as an event.Event whose Type is the channel name.
// Emission never fails the caller: bus errors are impossible by
// construction (Publish fans out to subscribers in their own goroutines),
// but a panicking subscriber is recovered and logged here so a bad host
// listener can never take down a turn.
func (g *GUIRuntime) Emit(channel string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("channel", channel).Msg("runtime: emit panicked, recovered")
		}
	}()
	event.Publish(event.Event{Type: event.EventType(channel), Data: payload})
}

// RequestApproval inserts a oneshot channel keyed by req.ID, awaits
// Respond, the context being cancelled, or the 300s timeout — whichever
// comes first. A timed-out request is removed from the pending map so a
// late Respond call is a harmless no-op.
func (g *GUIRuntime) RequestApproval(ctx context.Context, req types.ApprovalRequest) (types.ApprovalResponse, error) {
	ch := make(chan types.ApprovalResponse, 1)

	g.mu.Lock()
	g.pending[req.ID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	g.Emit(ChannelAIEvent, AIEvent{SessionID: req.SessionID, Type: "tool_approval_request", Data: req})

	timer := time.NewTimer(ApprovalTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalDeny}, ctx.Err()
	case <-timer.C:
		return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalDeny, Justification: "timeout"}, nil
	}
}

// Respond delivers a host-side decision to a pending RequestApproval call.
// A response for an unknown or already-resolved request-id is dropped.
func (g *GUIRuntime) Respond(requestID string, resp types.ApprovalResponse) {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// AutoApprove is always false: a human is expected to answer approvals.
func (g *GUIRuntime) AutoApprove() bool { return false }

// IsInteractive is always true for the GUI runtime.
func (g *GUIRuntime) IsInteractive() bool { return true }

// Shutdown resolves every still-pending approval as a deny with
// Justification "shutdown" so no caller
// of RequestApproval blocks forever past session end.
func (g *GUIRuntime) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, ch := range g.pending {
		select {
		case ch <- types.ApprovalResponse{RequestID: id, Action: types.ApprovalDeny, Justification: "shutdown"}:
		default:
		}
		delete(g.pending, id)
	}
}

var _ Runtime = (*GUIRuntime)(nil)
