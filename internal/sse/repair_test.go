package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepairFixesUnquotedGlobValues(t *testing.T) {
	input := "event: m\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"path\\\":.,\\\"pattern\\\":*}\"}}\n\n"

	out := RepairString(input)

	var payload struct {
		Delta struct {
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	}
	dataLine := extractDataLine(t, out)
	require.NoError(t, json.Unmarshal([]byte(dataLine), &payload))

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload.Delta.PartialJSON), &args))
	require.Equal(t, ".", args["path"])
	require.Equal(t, "*", args["pattern"])
}

func TestRepairLeavesValidJSONByteForByte(t *testing.T) {
	input := "event: m\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"path\\\":\\\"README.md\\\"}\"}}\n\n"

	out := RepairString(input)

	require.Equal(t, input, out)
}

func TestRepairPreservesLiterals(t *testing.T) {
	input := "data: {\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"recursive\\\":true,\\\"count\\\":null,\\\"limit\\\":5}\"}}\n\n"

	out := RepairString(input)
	require.Equal(t, input, out)
}

func TestRepairIsIdempotent(t *testing.T) {
	input := "data: {\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"glob\\\":*,\\\"dot\\\":.}\"}}\n\ndata: {\"x\":1}\n\n"

	once := RepairString(input)
	twice := RepairString(once)
	require.Equal(t, once, twice)
}

func TestRepairPreservesFramingAndUnrelatedEvents(t *testing.T) {
	input := "event: ping\ndata: {}\n\nevent: m\ndata: {\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"p\\\":*}\"}}\n\n"

	out := RepairString(input)
	events := strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n")
	require.Len(t, events, 2)
	require.Equal(t, "event: ping\ndata: {}", events[0])
}

func TestReaderStreamsRepairedEvents(t *testing.T) {
	input := "data: {\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"p\\\":*}\"}}\n\ndata: {\"x\":1}\n\n"

	r := NewReader(strings.NewReader(input))
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, RepairString(input), string(out))
}

func extractDataLine(t *testing.T, event string) string {
	t.Helper()
	scanner := bufio.NewScanner(strings.NewReader(event))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	t.Fatalf("no data line found in %q", event)
	return ""
}
