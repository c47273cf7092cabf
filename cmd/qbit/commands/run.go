package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qbit-ai/qbit/internal/agent"
	"github.com/qbit-ai/qbit/internal/bridge"
	"github.com/qbit-ai/qbit/internal/config"
	"github.com/qbit-ai/qbit/internal/hitl"
	"github.com/qbit-ai/qbit/internal/mcp"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/runtime"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

var (
	runModel      string
	runFiles      []string
	runDir        string
	runAutoAllow  bool
	runWithoutMCP bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Run one agentic turn from the terminal",
	Long: `Run a Qbit session in the terminal: the message is fed through the
agentic loop, streamed output is rendered as it arrives, and risky tool
calls prompt for approval on stdin.

Examples:
  qbit run "Fix the bug in main.go"
  qbit run --model anthropic/claude-sonnet-4-20250514 "Explain this code"
  qbit run --file main.go "Review this file"`,
	RunE: runInteractive,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to message")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
	runCmd.Flags().BoolVar(&runAutoAllow, "yes", false, "Auto-approve every tool call (eval mode)")
	runCmd.Flags().BoolVar(&runWithoutMCP, "no-mcp", false, "Skip connecting configured MCP servers")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if runModel != "" {
		appConfig.Model = runModel
	}
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	message := strings.Join(args, " ")
	if message == "" {
		return fmt.Errorf("message required. Usage: qbit run \"your message\"")
	}
	for _, file := range runFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", file, err)
		}
		message += fmt.Sprintf("\n\n--- File: %s ---\n%s", file, string(content))
	}

	ctx := context.Background()

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	providerID, modelID := provider.ParseModelString(appConfig.Model)
	if modelID == "" || providerID == "" {
		model, err := providerReg.DefaultModel()
		if err != nil {
			return fmt.Errorf("no model available: %w", err)
		}
		providerID, modelID = model.ProviderID, model.ID
	}

	store := storage.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, store)

	recorder := hitl.NewRecorder()
	if err := recorder.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: approval patterns unreadable: %v\n", err)
	}

	var rt runtime.Runtime
	var cliEvents <-chan runtime.CLIEvent
	if runAutoAllow {
		rt = runtime.NewAutoApproveRuntime()
	} else {
		cli := runtime.NewCLIRuntime(os.Stdout, os.Stdin)
		cliEvents = cli.Events()
		rt = cli
	}

	var mcpManager *mcp.Manager
	if !runWithoutMCP {
		mcpManager = mcp.NewManager()
		if err := mcpManager.LoadWorkspace(ctx, workDir); err != nil {
			fmt.Fprintf(os.Stderr, "warning: mcp config: %v\n", err)
		}
		defer mcpManager.Close()
	}

	b, err := bridge.New(ctx, bridge.Options{
		Workspace: workDir,
		Providers: providerReg,
		Model:     types.ModelRef{ProviderID: providerID, ModelID: modelID},
		Tools:     toolReg,
		MCP:       mcpManager,
		Recorder:  recorder,
		Runtime:   rt,
		Storage:   store,
	})
	if err != nil {
		return err
	}
	defer b.Finalize(ctx)

	// Render streamed events while the turn runs.
	renderDone := make(chan struct{})
	if cliEvents != nil {
		go func() {
			defer close(renderDone)
			renderEvents(cliEvents)
		}()
	} else {
		close(renderDone)
	}

	if err := b.RunTurn(ctx, message); err != nil {
		rt.Shutdown()
		<-renderDone
		return fmt.Errorf("turn failed: %w", err)
	}

	rt.Shutdown()
	<-renderDone
	fmt.Println()
	return nil
}

// renderEvents is the terminal renderer loop: text deltas stream to
// stdout, tool calls get a one-line trace on stderr.
func renderEvents(events <-chan runtime.CLIEvent) {
	for ev := range events {
		ae, ok := ev.Payload.(runtime.AIEvent)
		if !ok {
			continue
		}
		switch data := ae.Data.(type) {
		case agent.TextDeltaPayload:
			fmt.Print(data.Delta)
		case agent.ToolCallEventPayload:
			if ae.Type == "tool_call_started" {
				fmt.Fprintf(os.Stderr, "\n[tool] %s\n", data.Tool)
			}
		case agent.ErrorPayload:
			fmt.Fprintf(os.Stderr, "\n[error] %s: %s\n", data.Kind, data.Message)
		}
	}
}
