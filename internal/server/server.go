// Package server is the HTTP+SSE surface the GUI shell talks to: the
// event stream, the approval decision endpoint, the model capability
// registry, and session lifecycle routes over the bridge layer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/qbit-ai/qbit/internal/bridge"
	"github.com/qbit-ai/qbit/internal/hitl"
	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/mcp"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/runtime"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		Directory:    "",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Server hosts the GUI runtime over HTTP: events out via SSE, approval
// decisions and turn inputs in via POST.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	appConfig *types.Config

	storage     *storage.Storage
	providerReg *provider.Registry
	toolReg     *tool.Registry
	recorder    *hitl.Recorder
	mcpManager  *mcp.Manager
	gui         *runtime.GUIRuntime
	bridges     *bridge.Manager
}

// New creates a new Server instance.
func New(cfg *Config, appConfig *types.Config, store *storage.Storage, providerReg *provider.Registry, toolReg *tool.Registry) *Server {
	s := &Server{
		config:      cfg,
		router:      chi.NewRouter(),
		appConfig:   appConfig,
		storage:     store,
		providerReg: providerReg,
		toolReg:     toolReg,
		recorder:    hitl.NewRecorder(),
		mcpManager:  mcp.NewManager(),
		gui:         runtime.NewGUIRuntime(),
		bridges:     bridge.NewManager(),
	}

	if err := s.recorder.Load(); err != nil {
		logging.Warn().Err(err).Msg("server: hitl patterns unreadable, starting empty")
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// InitializeMCP connects the MCP servers configured for the server's
// workspace directory.
func (s *Server) InitializeMCP(ctx context.Context) error {
	return s.mcpManager.LoadWorkspace(ctx, s.config.Directory)
}

// CloseMCP closes all MCP server connections.
func (s *Server) CloseMCP() error {
	return s.mcpManager.Close()
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// setupRoutes wires the GUI-host routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Event streams.
	r.Get("/events", s.globalEvents)
	r.Get("/events/session", s.sessionEvents)

	// Approval decisions from the host UI.
	r.Post("/approvals/{id}", s.respondApproval)

	// Model capability registry.
	r.Get("/models", s.listModels)
	r.Post("/models/dynamic", s.registerDynamicModel)

	// Session lifecycle over the bridge layer.
	r.Post("/sessions", s.createSession)
	r.Post("/sessions/{id}/messages", s.sendMessage)
	r.Post("/sessions/{id}/abort", s.abortSession)
	r.Delete("/sessions/{id}", s.deleteSession)
	r.Get("/sessions/{id}/mcp-tools", s.listSessionMCPTools)

	// MCP management.
	r.Get("/mcp/status", s.mcpStatus)
	r.Post("/mcp/trust", s.trustWorkspace)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logging.Info().Int("port", s.config.Port).Msg("server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the server, finalizing every live session first.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.bridges.Shutdown(ctx)
	s.gui.Shutdown()
	s.CloseMCP()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler { return s.router }
