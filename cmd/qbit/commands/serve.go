package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qbit-ai/qbit/internal/config"
	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/server"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/internal/tool"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the headless Qbit server",
	Long: `Start Qbit as a headless server exposing the GUI-host HTTP API:
the event stream, approval decisions, the model registry, and session
lifecycle routes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Str("directory", workDir).Msg("starting qbit server")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	store := storage.New(paths.StoragePath())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some providers")
	}

	toolReg := tool.DefaultRegistry(workDir, store)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort
	serverConfig.Directory = workDir

	srv := server.New(serverConfig, appConfig, store, providerReg, toolReg)

	if err := srv.InitializeMCP(ctx); err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some MCP servers")
	}

	return srv.Start(ctx)
}
