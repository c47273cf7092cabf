package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/qbit-ai/qbit/pkg/types"
)

// CLIEvent is one item delivered on a CLIRuntime's Events channel: the
// channel name it was emitted on plus its payload.
type CLIEvent struct {
	Channel string
	Payload any
}

// CLIRuntime drives a terminal renderer: Emit pushes onto a channel
// buffered to 256 events that a render loop drains (the channel is not
// unbounded: when it is full the oldest event is dropped), and RequestApproval
// prints a prompt and reads a line from the given input.
type CLIRuntime struct {
	out    io.Writer
	in     *bufio.Reader
	events chan CLIEvent
}

// NewCLIRuntime constructs a CLIRuntime that prompts on out and reads
// decisions from in (typically os.Stdout / os.Stdin).
func NewCLIRuntime(out io.Writer, in io.Reader) *CLIRuntime {
	return &CLIRuntime{
		out:    out,
		in:     bufio.NewReader(in),
		events: make(chan CLIEvent, 256),
	}
}

// Events returns the channel a terminal renderer should range over. It is
// never closed by Emit; Shutdown closes it once the runtime is done.
func (c *CLIRuntime) Events() <-chan CLIEvent {
	return c.events
}

// Emit pushes the event; if the renderer has fallen behind and the
// buffered channel is full, the oldest events are dropped rather than
// blocking the agentic loop — a slow terminal must never stall a turn.
func (c *CLIRuntime) Emit(channel string, payload any) {
	select {
	case c.events <- CLIEvent{Channel: channel, Payload: payload}:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- CLIEvent{Channel: channel, Payload: payload}:
		default:
		}
	}
}

// RequestApproval prints the request and blocks on a line of stdin:
// "y"/"yes" approves, "a"/"always" approves and marks always-allow,
// anything else denies.
func (c *CLIRuntime) RequestApproval(ctx context.Context, req types.ApprovalRequest) (types.ApprovalResponse, error) {
	fmt.Fprintf(c.out, "\n[%s risk] approve %s %v? [y]es/[n]o/[a]lways: ", req.Risk, req.Tool, req.Arguments)

	type readResult struct {
		line string
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		resultCh <- readResult{line, err}
	}()

	select {
	case <-ctx.Done():
		return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalDeny}, ctx.Err()
	case r := <-resultCh:
		if r.err != nil && r.line == "" {
			return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalDeny}, nil
		}
		switch strings.ToLower(strings.TrimSpace(r.line)) {
		case "y", "yes":
			return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalAllow}, nil
		case "a", "always":
			return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalAllow, AlwaysAllow: true}, nil
		default:
			return types.ApprovalResponse{RequestID: req.ID, Action: types.ApprovalDeny}, nil
		}
	}
}

// AutoApprove is always false for the CLI runtime: a human reads stdin.
func (c *CLIRuntime) AutoApprove() bool { return false }

// IsInteractive is always true for the CLI runtime.
func (c *CLIRuntime) IsInteractive() bool { return true }

// Shutdown closes the events channel; it must not be called concurrently
// with Emit.
func (c *CLIRuntime) Shutdown() {
	close(c.events)
}

var _ Runtime = (*CLIRuntime)(nil)
