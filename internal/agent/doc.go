// Package agent implements the agentic loop: the multi-turn
// reason → call-tool → observe cycle at the center of the system.
//
// A turn enters through Service.ProcessMessage or Processor.Process. The
// processor streams a completion from the bound provider, assembling text,
// reasoning, and tool-call argument deltas as they arrive; commits the
// assistant message; runs each requested tool sequentially through the
// HITL gate and the tool registry (or the MCP manager for mcp__-prefixed
// names); feeds the observations back as tool messages; and re-enters the
// stream until the model stops asking for tools or the iteration ceiling
// is reached.
//
// Turn lifecycle events (started, text_delta, reasoning_delta,
// tool_call_started, tool_call_completed, completed, cancelled, error)
// are emitted through the bound runtime.Runtime, so the same loop drives
// a GUI host, a terminal renderer, or an auto-approving eval harness.
//
// Before each iteration the estimated prompt size is checked against the
// model's context window; past the configured threshold, history older
// than the most recent user turn is replaced with a single summary
// message produced by the Summarizer collaborator (see compact.go).
//
// Cancellation is polled between stream events and between tool
// executions. A cancelled turn leaves history consistent: every committed
// assistant tool call gets an answering tool message, marked cancelled if
// the call never ran.
package agent
