// Package qerrors defines the error kinds the agent core classifies every
// failure into, so callers (the loop, the runtime, the transcript writer)
// can react to a failure's kind without parsing its message.
package qerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by where in the pipeline it originated.
type Kind string

const (
	KindProvider         Kind = "provider"
	KindStream           Kind = "stream"
	KindTool             Kind = "tool"
	KindApprovalDenied   Kind = "approval_denied"
	KindApprovalTimeout  Kind = "approval_timeout"
	KindMCP              Kind = "mcp"
	KindEmitFailed       Kind = "emit_failed"
	KindFatal            Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As without string-matching messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a qerrors.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ApprovalDenied is returned by the HITL checker when a human (or an
// auto-approve runtime acting on a learned pattern) refuses a tool call.
type ApprovalDenied struct {
	Tool          string
	Justification string
}

func (e *ApprovalDenied) Error() string {
	if e.Justification != "" {
		return fmt.Sprintf("approval denied for %s: %s", e.Tool, e.Justification)
	}
	return fmt.Sprintf("approval denied for %s", e.Tool)
}

// ApprovalTimeout is returned when a HITL request is never answered before
// its deadline.
type ApprovalTimeout struct {
	Tool string
}

func (e *ApprovalTimeout) Error() string {
	return fmt.Sprintf("approval timed out for %s", e.Tool)
}

// WrapProvider classifies an error from a provider's completion/stream call.
func WrapProvider(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(KindProvider, op, err)
}

// WrapStream classifies an error encountered while decoding a provider's
// SSE stream, after the C3 repair transformer has had a chance at it.
func WrapStream(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(KindStream, op, err)
}

// WrapTool classifies an error from executing a tool call (distinct from
// the tool reporting failure through the ToolResult envelope — this is
// for execution-level failures, e.g. the tool panicked or its process
// could not be started).
func WrapTool(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(KindTool, op, err)
}

// WrapMCP classifies an error from an MCP transport, handshake, or OAuth
// flow.
func WrapMCP(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(KindMCP, op, err)
}

// WrapEmitFailed classifies an error from publishing an event to a
// Runtime (the event bus could not deliver it; the turn itself may have
// succeeded).
func WrapEmitFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(KindEmitFailed, op, err)
}

// Fatal wraps an error that should abort the session entirely rather than
// end just the current turn (e.g. the session's storage directory became
// unwritable).
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(KindFatal, op, err)
}
