package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/persona"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/pkg/types"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	workDir string
	storage *storage.Storage
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
		storage: store,
	}
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// WorkDir returns the registry's current sandbox root.
func (r *Registry) WorkDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workDir
}

// SetWorkDir rebinds the sandbox root. Takes the write lock; callers must
// not rebind while a turn is executing tools against the old root.
func (r *Registry) SetWorkDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workDir = dir
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := logging.With().Str("component", "tool").Logger()
	log.Debug().Str("tool", tool.ID()).Msg("registering tool")
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// Definition is the tool shape fed verbatim into an LLM request, per
// spec.md §4.4's "get_tool_definitions".
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolInfos returns the tool definitions for all registered tools.
func (r *Registry) ToolInfos() ([]Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Definition{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return infos, nil
}

// Dispatch resolves name against the registry and executes it, translating
// the outcome into the uniform types.ToolResult envelope: success never sets
// Error, failure always does. An unknown tool name is a dispatcher failure,
// not a panic or Go error return, so the caller can feed it straight back
// to the model as an observation. Arguments are validated against the
// tool's declared JSON Schema first; a schema violation fails the call
// the same structural way, letting the model correct itself.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage, toolCtx *Context) types.ToolResult {
	t, ok := r.Get(name)
	if !ok {
		return types.ToolResult{Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	if err := r.validateArgs(t, args); err != nil {
		return types.ToolResult{Error: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
	}

	result, err := t.Execute(ctx, args, toolCtx)
	if err != nil {
		return types.ToolResult{Error: err.Error()}
	}

	envelope := types.ToolResult{
		Output:   result.Output,
		Title:    result.Title,
		Metadata: result.Metadata,
		ExitCode: result.ExitCode,
	}
	if result.Error != nil {
		envelope.Error = result.Error.Error()
	}
	return envelope
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, store *storage.Storage) *Registry {
	log := logging.With().Str("component", "tool").Logger()
	log.Debug().Str("workDir", workDir).Msg("creating default registry")
	r := NewRegistry(workDir, store)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))
	r.Register(NewAstGrepMatchTool(workDir))
	r.Register(NewAstGrepReplaceTool(workDir))

	// Web search only exists when its API key is configured.
	if WebSearchAvailable() {
		r.Register(NewWebSearchTool(os.Getenv(WebSearchAPIKeyEnv)))
	}

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, store))
	r.Register(NewTodoReadTool(workDir, store))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	log.Debug().Int("count", len(r.tools)).Strs("tools", r.IDs()).Msg("default registry created")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *persona.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	log := logging.With().Str("component", "tool").Logger()
	log.Debug().Msg("registered task tool with agent registry")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			log := logging.With().Str("component", "tool").Logger()
			log.Debug().Msg("task executor configured")
		}
	}
}
