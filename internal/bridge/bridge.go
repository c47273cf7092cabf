// Package bridge is the per-session facade over the agent core: it binds
// a workspace, a provider, the tool registry, the MCP manager, the HITL
// recorder, and a runtime into one handle the host drives turns through.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/qbit-ai/qbit/internal/agent"
	"github.com/qbit-ai/qbit/internal/hitl"
	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/mcp"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/runtime"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

// Options carries everything a Bridge composes. Providers, Workspace and
// Runtime are required; MCP is optional.
type Options struct {
	Workspace string
	Providers *provider.Registry
	Model     types.ModelRef
	Tools     *tool.Registry
	MCP       *mcp.Manager
	Recorder  *hitl.Recorder
	Runtime   runtime.Runtime
	Storage   *storage.Storage

	// Metadata recorded on the session archive.
	Theme           string
	ReasoningEffort string
}

// Bridge owns one session end to end: its workspace binding, its
// immutable provider binding, its history (via the service's storage),
// and its transcript/archive lifecycle. Dropping the bridge — calling
// Finalize — writes the archive and releases resources.
type Bridge struct {
	mu        sync.Mutex
	sessionID string
	session   *types.Session
	model     types.ModelRef

	service   *agent.Service
	providers *provider.Registry
	tools     *tool.Registry
	mcp       *mcp.Manager
	rt        runtime.Runtime

	theme           string
	reasoningEffort string

	mcpDefs   []tool.Definition
	finalized bool
}

// New creates the session and its bridge.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Providers == nil {
		return nil, fmt.Errorf("provider binding missing")
	}
	if opts.Workspace == "" {
		return nil, fmt.Errorf("workspace binding missing")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("runtime binding missing")
	}

	service := agent.NewServiceWithProcessor(opts.Storage, agent.ProcessorOptions{
		Providers:         opts.Providers,
		Tools:             opts.Tools,
		Recorder:          opts.Recorder,
		Runtime:           opts.Runtime,
		MCP:               opts.MCP,
		DefaultProviderID: opts.Model.ProviderID,
		DefaultModelID:    opts.Model.ModelID,
	})

	session, err := service.Create(ctx, opts.Workspace, "")
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		sessionID:       session.ID,
		session:         session,
		model:           opts.Model,
		service:         service,
		providers:       opts.Providers,
		tools:           opts.Tools,
		mcp:             opts.MCP,
		rt:              opts.Runtime,
		theme:           opts.Theme,
		reasoningEffort: opts.ReasoningEffort,
	}

	if b.mcp != nil {
		b.mcp.OnToolsChanged(func() {
			b.SetMCPTools(b.mcp.ToolDefinitions())
		})
		b.SetMCPTools(b.mcp.ToolDefinitions())
	}

	return b, nil
}

// SessionID returns the stable session identifier.
func (b *Bridge) SessionID() string { return b.sessionID }

// Client exposes the bound provider so isolated sub-agents (commit
// writer, summarizer) can run one-shot completions on the session's
// model binding.
func (b *Bridge) Client() (provider.Provider, error) {
	return b.providers.Get(b.model.ProviderID)
}

// RunTurn feeds one user input through the agentic loop, blocking until
// the turn completes, errors, or is cancelled. Events stream through the
// bound runtime as they happen.
func (b *Bridge) RunTurn(ctx context.Context, userInput string) error {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return fmt.Errorf("session %s already finalized", b.sessionID)
	}
	session := b.session
	model := b.model
	b.mu.Unlock()

	_, _, err := b.service.ProcessMessage(ctx, session, userInput, &model, nil)
	return err
}

// Cancel aborts the in-flight turn, if any.
func (b *Bridge) Cancel() {
	if proc := b.service.GetProcessor(); proc != nil {
		_ = proc.Abort(b.sessionID)
	}
}

// SetWorkspace rebinds the session's workspace path. Idempotent: an
// unchanged path only logs a trace. Must not be called mid-turn; the
// tool registry's sandbox root moves with it.
func (b *Bridge) SetWorkspace(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := logging.With().Str("component", "bridge").Str("session_id", b.sessionID).Logger()
	if b.session.Directory == path {
		log.Trace().Str("workspace", path).Msg("workspace unchanged")
		return nil
	}

	if b.tools != nil {
		b.tools.SetWorkDir(path)
	}
	updated, err := b.service.Update(ctx, b.sessionID, map[string]any{"directory": path})
	if err != nil {
		return err
	}
	b.session = updated
	log.Debug().Str("workspace", path).Msg("workspace rebound")
	return nil
}

// Workspace returns the session's current workspace path.
func (b *Bridge) Workspace() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.Directory
}

// SetMCPTools replaces the bridge's copy of the MCP tool subset, which
// serves host display; the loop reads each turn's request definitions
// from the MCP manager directly.
func (b *Bridge) SetMCPTools(defs []tool.Definition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mcpDefs = defs
}

// MCPToolDefinitions returns the current MCP tool subset.
func (b *Bridge) MCPToolDefinitions() []tool.Definition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]tool.Definition, len(b.mcpDefs))
	copy(out, b.mcpDefs)
	return out
}

// Emit publishes an event through the session's runtime.
func (b *Bridge) Emit(channel string, payload any) {
	if b.rt != nil {
		b.rt.Emit(channel, payload)
	}
}

// Finalize writes the immutable session archive, announces session end,
// and releases resources. Idempotent: the second call is a no-op.
func (b *Bridge) Finalize(ctx context.Context) error {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return nil
	}
	b.finalized = true
	session := b.session
	b.mu.Unlock()

	meta := types.ArchiveMetadata{
		WorkspaceLabel:  session.Title,
		WorkspacePath:   session.Directory,
		Model:           b.model.ModelID,
		Provider:        b.model.ProviderID,
		Theme:           b.theme,
		ReasoningEffort: b.reasoningEffort,
	}
	_, err := b.service.CloseAndArchive(ctx, b.sessionID, meta)

	if b.rt != nil {
		b.rt.Emit(runtime.ChannelSessionEnded, runtime.SessionEnded{SessionID: b.sessionID})
	}
	return err
}
