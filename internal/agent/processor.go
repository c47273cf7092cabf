package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/qbit-ai/qbit/internal/hitl"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/runtime"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

// MCPManager is the slice of the MCP subsystem the loop depends on:
// definitions to advertise to the model and a dispatch entry point for
// tool names carrying the mcp__ prefix. internal/mcp's Manager satisfies
// it; keeping the interface here avoids an import cycle through the
// bridge.
type MCPManager interface {
	ToolDefinitions() []tool.Definition
	CallTool(ctx context.Context, name string, args json.RawMessage) types.ToolResult
}

// Processor drives the agentic loop for every active session: one
// goroutine per in-flight turn, states tracked in the sessions map.
type Processor struct {
	mu sync.Mutex

	providerRegistry *provider.Registry
	toolRegistry     *tool.Registry
	storage          *storage.Storage

	recorder *hitl.Recorder
	rt       runtime.Runtime
	mcp      MCPManager
	doomLoop *hitl.DoomLoopDetector

	summarizer Summarizer
	compaction CompactionConfig
	skills     *tool.SkillLibrary

	// transcribe, when set by the owning Service, records loop events to
	// the session transcript. Never fails the turn.
	transcribe func(sessionID, eventType string, data any)

	// Default provider and model to use when not specified
	defaultProviderID string
	defaultModelID    string

	// Active sessions being processed
	sessions map[string]*sessionState
}

// ProcessorOptions carries the collaborators a Processor composes.
type ProcessorOptions struct {
	Providers  *provider.Registry
	Tools      *tool.Registry
	Storage    *storage.Storage
	Recorder   *hitl.Recorder
	Runtime    runtime.Runtime
	MCP        MCPManager
	Summarizer Summarizer
	Compaction *CompactionConfig
	Skills     *tool.SkillLibrary

	DefaultProviderID string
	DefaultModelID    string
}

// sessionState tracks the state of an active session being processed.
type sessionState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	message *types.Message
	parts   []types.Part
	waiters []chan error
}

// ProcessCallback is called with message updates during processing.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor.
func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.DefaultProviderID == "" {
		opts.DefaultProviderID = "anthropic"
	}
	if opts.DefaultModelID == "" {
		opts.DefaultModelID = "claude-sonnet-4-20250514"
	}

	compaction := DefaultCompactionConfig
	if opts.Compaction != nil {
		compaction = *opts.Compaction
	}

	summarizer := opts.Summarizer
	if summarizer == nil && opts.Providers != nil {
		summarizer = NewProviderSummarizer(opts.Providers)
	}

	return &Processor{
		providerRegistry:  opts.Providers,
		toolRegistry:      opts.Tools,
		storage:           opts.Storage,
		recorder:          opts.Recorder,
		rt:                opts.Runtime,
		mcp:               opts.MCP,
		doomLoop:          hitl.NewDoomLoopDetector(),
		summarizer:        summarizer,
		compaction:        compaction,
		skills:            opts.Skills,
		defaultProviderID: opts.DefaultProviderID,
		defaultModelID:    opts.DefaultModelID,
		sessions:          make(map[string]*sessionState),
	}
}

// SetRuntime rebinds the event/approval transport. Must not be called
// while a turn is in flight.
func (p *Processor) SetRuntime(rt runtime.Runtime) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rt = rt
}

// SetMCP rebinds the MCP manager (e.g. after a tools_list_changed refresh
// replaced the tool subset).
func (p *Processor) SetMCP(m MCPManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mcp = m
}

// emit publishes an ai-event through the bound runtime and mirrors it to
// the transcript. Emission failure never fails the turn.
func (p *Processor) emit(sessionID, eventType string, data any) {
	if p.rt != nil {
		p.rt.Emit(runtime.ChannelAIEvent, runtime.AIEvent{
			SessionID: sessionID,
			Type:      eventType,
			Data:      data,
		})
	}
	if p.transcribe != nil {
		p.transcribe(sessionID, eventType, data)
	}
}

// Process handles a new user message and generates an assistant response.
// This is the main entry point for the agentic loop.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	p.mu.Lock()

	// Check if session is already processing
	if state, ok := p.sessions[sessionID]; ok {
		// Queue this request
		waiter := make(chan error, 1)
		state.waiters = append(state.waiters, waiter)
		p.mu.Unlock()

		// Wait for current processing to complete
		select {
		case err := <-waiter:
			if err != nil {
				return err
			}
			// Retry processing
			return p.Process(ctx, sessionID, agent, callback)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Create new session state
	loopCtx, cancel := context.WithCancel(ctx)
	state := &sessionState{
		ctx:    loopCtx,
		cancel: cancel,
	}
	p.sessions[sessionID] = state
	p.mu.Unlock()

	// Ensure cleanup
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.sessions, sessionID)

		// Notify waiters
		for _, waiter := range state.waiters {
			waiter <- nil
		}
		p.mu.Unlock()
	}()

	// Run the agentic loop
	return p.runLoop(loopCtx, sessionID, state, agent, callback)
}

// Abort cancels processing for a session.
func (p *Processor) Abort(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}

	state.cancel()
	return nil
}

// IsProcessing returns whether a session is currently processing.
func (p *Processor) IsProcessing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

// GetActiveState returns the current state for a processing session.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}

	return state.message, state.parts, true
}
