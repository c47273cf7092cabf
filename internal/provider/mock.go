package provider

import (
	"context"
	"sync"

	"github.com/qbit-ai/qbit/pkg/types"
)

// MockProvider is a scriptable provider for tests and eval harnesses.
// Each CreateCompletion call consumes the next scripted turn; requests
// past the script's end replay the last turn. Every request received is
// recorded for assertions.
type MockProvider struct {
	mu       sync.Mutex
	turns    [][]StreamEvent
	next     int
	Requests []*CompletionRequest

	// Err, when set, is returned by every CreateCompletion call.
	Err error
}

// NewMockProvider creates a mock whose successive turns yield the given
// event sequences. A turn without a FinishEvent gets one appended.
func NewMockProvider(turns ...[]StreamEvent) *MockProvider {
	for i, turn := range turns {
		needFinish := true
		for _, ev := range turn {
			if _, ok := ev.(FinishEvent); ok {
				needFinish = false
			}
		}
		if needFinish {
			reason := "stop"
			for _, ev := range turn {
				if _, ok := ev.(ToolCallStartEvent); ok {
					reason = "tool-calls"
				}
			}
			turns[i] = append(turn, FinishEvent{Reason: reason, Usage: &Usage{InputTokens: 10, OutputTokens: 5}})
		}
	}
	return &MockProvider{turns: turns}
}

// MockTextTurn is a convenience for a single-text-response turn.
func MockTextTurn(text string) []StreamEvent {
	return []StreamEvent{TextDeltaEvent{Text: text}}
}

// MockToolCallTurn is a convenience for a turn that requests one tool call.
func MockToolCallTurn(id, name, argsJSON string) []StreamEvent {
	return []StreamEvent{
		ToolCallStartEvent{ID: id, Name: name},
		ToolCallDeltaEvent{ID: id, Delta: argsJSON},
	}
}

// ID returns the provider identifier.
func (m *MockProvider) ID() string { return "mock" }

// Name returns the human-readable provider name.
func (m *MockProvider) Name() string { return "Mock" }

// Models returns the list of available models.
func (m *MockProvider) Models() []types.Model {
	return []types.Model{
		{
			ID:              "mock-model",
			Name:            "Mock Model",
			ProviderID:      "mock",
			ContextLength:   200000,
			MaxOutputTokens: 8192,
			SupportsTools:   true,
		},
	}
}

// CreateCompletion returns the next scripted turn as a stream.
func (m *MockProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.turns) == 0 {
		return &mockStream{events: []StreamEvent{FinishEvent{Reason: "stop", Usage: &Usage{}}}}, nil
	}

	idx := m.next
	if idx >= len(m.turns) {
		idx = len(m.turns) - 1
	} else {
		m.next++
	}
	events := make([]StreamEvent, len(m.turns[idx]))
	copy(events, m.turns[idx])
	return &mockStream{events: events}, nil
}

// mockStream replays a fixed event sequence.
type mockStream struct {
	events []StreamEvent
	pos    int
}

func (s *mockStream) Next() (StreamEvent, error) {
	if s.pos >= len(s.events) {
		return FinishEvent{Reason: "stop"}, nil
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *mockStream) Close() error { return nil }
