// Package sse repairs a known class of malformed JSON that one provider
// emits in streamed tool-argument deltas: unquoted scalar values such as a
// bare "." or "*" glob fragment inside an otherwise-valid input_json_delta
// payload.
//
// The Reader is a byte-stream adapter over raw SSE framing, not a JSON-RPC
// or provider-aware parser. The Z.AI provider (zai.go) wraps its response
// bodies in it, so that provider's SDK decoder never sees the malformed
// form; other providers' streams are not wrapped. RepairJSON is also
// applied by the agent loop to assembled tool arguments before parsing.
package sse

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// partialJSONField matches the "partial_json":"..." field of an
// input_json_delta event, capturing the still-escaped string contents so
// the surrounding bytes (key order, whitespace, other fields) are left
// untouched.
var partialJSONField = regexp.MustCompile(`"partial_json"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// fixableValue matches an object field whose value is an unquoted scalar
// starting with '.' or '*' (a bare glob fragment), capturing enough of the
// surrounding text to rewrite only the value. JSON's true/false/null and
// ordinary numbers never start with '.' or '*' in this position, so they
// pass through unchanged.
var fixableValue = regexp.MustCompile(`"([A-Za-z0-9_]+)"(\s*:\s*)([.*][^,}\]]*?)(\s*)([,}\]])`)

// Repair transforms a byte stream of concatenated SSE events (events
// separated by "\n\n", fields by "\n", payload on a "data:" line),
// quoting unquoted scalar values inside each input_json_delta event's
// partial_json string. Everything else — framing, event names, unrelated
// fields, already-valid JSON — passes through byte-for-byte. Repair is
// idempotent: Repair(Repair(x)) == Repair(x).
func Repair(data []byte) []byte {
	events := bytes.Split(data, []byte("\n\n"))
	for i, ev := range events {
		if len(ev) == 0 {
			continue
		}
		events[i] = repairEvent(ev)
	}
	return bytes.Join(events, []byte("\n\n"))
}

// RepairString is a convenience wrapper around Repair for callers holding
// the SSE payload as a string.
func RepairString(s string) string {
	return string(Repair([]byte(s)))
}

func repairEvent(ev []byte) []byte {
	return partialJSONField.ReplaceAllFunc(ev, func(match []byte) []byte {
		sub := partialJSONField.FindSubmatch(match)
		if sub == nil {
			return match
		}
		escaped := sub[1]

		var decoded string
		quoted := append(append([]byte{'"'}, escaped...), '"')
		if err := json.Unmarshal(quoted, &decoded); err != nil {
			// Not valid JSON string content (e.g. a dangling escape in a
			// chunk boundary) — leave it for the downstream decoder.
			return match
		}

		fixed := fixValue(decoded)
		if fixed == decoded {
			return match
		}

		reEncoded, err := json.Marshal(fixed)
		if err != nil {
			return match
		}
		return append([]byte(`"partial_json":`), reEncoded...)
	})
}

// fixValue quotes every unquoted "key": <scalar> pair in s whose scalar
// starts with '.' or '*'.
func fixValue(s string) string {
	return fixableValue.ReplaceAllString(s, `"$1"$2"$3"$4$5`)
}

// RepairJSON applies the same unquoted-scalar fix to a raw JSON fragment
// outside SSE framing. The agentic loop runs assembled tool-call argument
// buffers through this before parsing, in case a provider path bypassed
// the stream-level repair.
func RepairJSON(s string) string {
	return fixValue(s)
}
