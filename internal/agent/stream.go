package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/sse"
)

// pendingToolCall is one tool-call slot opened by a ToolCallStartEvent,
// its argument buffer accumulated delta by delta until the stream ends.
type pendingToolCall struct {
	ID   string
	Name string
	Args strings.Builder
}

// streamOutcome is everything one provider stream produced: the
// accumulated text and reasoning buffers, the completed tool-call slots
// in the order the provider opened them, and the finish metadata.
type streamOutcome struct {
	Text               string
	Reasoning          string
	ReasoningSignature json.RawMessage
	ToolCalls          []*pendingToolCall
	FinishReason       string
	Usage              *provider.Usage
}

// TextDeltaPayload is the ai-event body for streamed text.
type TextDeltaPayload struct {
	Delta       string `json:"delta"`
	Accumulated string `json:"accumulated"`
}

// ReasoningDeltaPayload is the ai-event body for streamed reasoning.
type ReasoningDeltaPayload struct {
	Delta string `json:"delta"`
}

// consumeStream drains one provider stream into a streamOutcome, emitting
// text_delta / reasoning_delta events as they arrive. The cancel flag is
// observed between events: a cancelled context aborts the stream and
// returns ctx.Err with whatever was accumulated so far.
//
// Reasoning deltas are buffered only when the bound model's capability
// set says thinking history is replayable; otherwise they are emitted for
// display and dropped from the committed message.
func (p *Processor) consumeStream(
	ctx context.Context,
	sessionID string,
	stream provider.Stream,
	keepReasoning bool,
) (*streamOutcome, error) {
	log := logging.With().Str("component", "agent").Str("session_id", sessionID).Logger()

	outcome := &streamOutcome{}
	slots := make(map[string]*pendingToolCall)

	for {
		select {
		case <-ctx.Done():
			stream.Close()
			return outcome, ctx.Err()
		default:
		}

		ev, err := stream.Next()
		if err != nil {
			return outcome, err
		}

		switch e := ev.(type) {
		case provider.TextDeltaEvent:
			outcome.Text += e.Text
			p.emit(sessionID, "text_delta", TextDeltaPayload{
				Delta:       e.Text,
				Accumulated: outcome.Text,
			})

		case provider.ReasoningDeltaEvent:
			if keepReasoning {
				outcome.Reasoning += e.Text
				if len(e.Signature) > 0 {
					outcome.ReasoningSignature = e.Signature
				}
			}
			if e.Text != "" {
				p.emit(sessionID, "reasoning_delta", ReasoningDeltaPayload{Delta: e.Text})
			}

		case provider.ToolCallStartEvent:
			slot := &pendingToolCall{ID: e.ID, Name: e.Name}
			slots[e.ID] = slot
			outcome.ToolCalls = append(outcome.ToolCalls, slot)

		case provider.ToolCallDeltaEvent:
			if slot, ok := slots[e.ID]; ok {
				slot.Args.WriteString(e.Delta)
			} else {
				log.Debug().Str("call_id", e.ID).Msg("argument delta for unknown tool call, dropped")
			}

		case provider.FinishEvent:
			if e.Error != nil {
				return outcome, e.Error
			}
			outcome.FinishReason = e.Reason
			outcome.Usage = e.Usage
			return outcome, nil
		}
	}
}

// parseToolArguments turns a slot's accumulated argument buffer into a
// JSON object: the unquoted-scalar repair pass runs first, then a
// tolerant parse. An empty or undecodable buffer becomes {} — the loop
// never fails on malformed model output; the tool fails instead and the
// model self-corrects.
func parseToolArguments(buffered string) (map[string]any, json.RawMessage) {
	trimmed := strings.TrimSpace(buffered)
	if trimmed == "" {
		return map[string]any{}, json.RawMessage("{}")
	}

	repaired := sse.RepairJSON(trimmed)

	var args map[string]any
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return map[string]any{}, json.RawMessage("{}")
	}
	return args, json.RawMessage(repaired)
}
