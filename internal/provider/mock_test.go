package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProviderReplaysScriptedTurns(t *testing.T) {
	mock := NewMockProvider(
		MockToolCallTurn("t1", "read_file", `{"path":"README.md"}`),
		MockTextTurn("File says hello."),
	)

	stream, err := mock.CreateCompletion(context.Background(), &CompletionRequest{Model: "mock-model"})
	require.NoError(t, err)
	events := drainStream(t, stream)

	require.GreaterOrEqual(t, len(events), 3)
	start, ok := events[0].(ToolCallStartEvent)
	require.True(t, ok)
	assert.Equal(t, "t1", start.ID)
	assert.Equal(t, "read_file", start.Name)

	finish := events[len(events)-1].(FinishEvent)
	assert.Equal(t, "tool-calls", finish.Reason)

	stream, err = mock.CreateCompletion(context.Background(), &CompletionRequest{Model: "mock-model"})
	require.NoError(t, err)
	events = drainStream(t, stream)
	assert.Equal(t, "File says hello.", collectText(events))
	assert.Equal(t, "stop", events[len(events)-1].(FinishEvent).Reason)

	assert.Len(t, mock.Requests, 2)
}

func TestMockProviderRecordsRequests(t *testing.T) {
	mock := NewMockProvider(MockTextTurn("hi"))
	req := &CompletionRequest{
		Model:  "mock-model",
		System: "be helpful",
		Messages: []Message{
			{Role: RoleUser, Content: "What is 2+2?"},
		},
	}
	_, err := mock.CreateCompletion(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, mock.Requests, 1)
	assert.Equal(t, "be helpful", mock.Requests[0].System)
	assert.Equal(t, "What is 2+2?", mock.Requests[0].Messages[0].Content)
}

func TestRegistryModelDefinitions(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(NewMockProvider())

	defs := reg.ModelDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "mock-model", defs[0].ID)
	assert.Equal(t, "mock", defs[0].Provider)
	// Unknown model on unknown provider resolves to conservative defaults.
	assert.Equal(t, conservativeDefaults.ContextWindow, defs[0].Capabilities.ContextWindow)
}

func TestRegistryGetModelFindsDynamicEntries(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(NewMockProvider())

	RegisterDynamicModel("mock", "mock-dynamic", ModelCapabilities{
		SupportsTemperature: true,
		ContextWindow:       16384,
		MaxOutputTokens:     2048,
	})

	m, err := reg.GetModel("mock", "mock-dynamic")
	require.NoError(t, err)
	assert.Equal(t, 16384, m.ContextLength)
	assert.Equal(t, 2048, m.MaxOutputTokens)

	_, err = reg.GetModel("mock", "never-heard-of-it")
	assert.Error(t, err)
}

func TestParseModelString(t *testing.T) {
	p, m := ParseModelString("anthropic/claude-sonnet-4-20250514")
	assert.Equal(t, "anthropic", p)
	assert.Equal(t, "claude-sonnet-4-20250514", m)

	p, m = ParseModelString("gpt-4o")
	assert.Equal(t, "", p)
	assert.Equal(t, "gpt-4o", m)
}
