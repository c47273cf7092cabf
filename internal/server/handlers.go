package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qbit-ai/qbit/internal/bridge"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/pkg/types"
)

// respondApproval resolves a pending HITL request with the host's
// decision.
func (s *Server) respondApproval(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var body struct {
		Action        string `json:"action"` // "allow" | "deny"
		Justification string `json:"justification,omitempty"`
		AlwaysAllow   bool   `json:"alwaysAllow,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid body: "+err.Error())
		return
	}

	action := types.ApprovalAction(body.Action)
	if action != types.ApprovalAllow && action != types.ApprovalDeny {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "action must be allow or deny")
		return
	}

	s.gui.Respond(requestID, types.ApprovalResponse{
		RequestID:     requestID,
		Action:        action,
		Justification: body.Justification,
		AlwaysAllow:   body.AlwaysAllow,
	})
	writeSuccess(w)
}

// listModels serves the read-only model capability registry.
func (s *Server) listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.providerReg.ModelDefinitions(),
	})
}

// registerDynamicModel records a runtime-discovered model, scoped to the
// provider that reported it.
func (s *Server) registerDynamicModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider     string                     `json:"provider"`
		Model        string                     `json:"model"`
		Capabilities provider.ModelCapabilities `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid body: "+err.Error())
		return
	}
	if body.Provider == "" || body.Model == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "provider and model required")
		return
	}

	provider.RegisterDynamicModel(body.Provider, body.Model, body.Capabilities)
	writeSuccess(w)
}

// createSession builds and installs a bridge for a new session.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Workspace string `json:"workspace"`
		Provider  string `json:"provider"`
		Model     string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid body: "+err.Error())
		return
	}
	if body.Workspace == "" {
		body.Workspace = s.config.Directory
	}
	if body.Provider == "" || body.Model == "" {
		if s.appConfig != nil && s.appConfig.Model != "" {
			body.Provider, body.Model = provider.ParseModelString(s.appConfig.Model)
		}
	}

	b, err := bridge.New(r.Context(), bridge.Options{
		Workspace: body.Workspace,
		Providers: s.providerReg,
		Model:     types.ModelRef{ProviderID: body.Provider, ModelID: body.Model},
		Tools:     s.toolReg,
		MCP:       s.mcpManager,
		Recorder:  s.recorder,
		Runtime:   s.gui,
		Storage:   s.storage,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if err := s.bridges.Install(r.Context(), b); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"sessionID": b.SessionID()})
}

// sendMessage feeds one user input through a session's turn loop. The
// response returns when the turn completes; streamed output arrives on
// the event stream in the meantime.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	b, ok := s.bridges.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+sessionID)
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid body: "+err.Error())
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text required")
		return
	}

	if err := b.RunTurn(r.Context(), body.Text); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeProviderError, err.Error())
		return
	}
	writeSuccess(w)
}

// abortSession cancels a session's in-flight turn.
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	b, ok := s.bridges.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+sessionID)
		return
	}
	b.Cancel()
	writeSuccess(w)
}

// deleteSession finalizes a session: archive written, bridge dropped.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.bridges.Remove(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// listSessionMCPTools returns the MCP tool subset a session currently
// advertises, for UI display.
func (s *Server) listSessionMCPTools(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	b, ok := s.bridges.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found: "+sessionID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": b.MCPToolDefinitions()})
}

// mcpStatus reports every configured MCP server's connection state.
func (s *Server) mcpStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.mcpManager.Status()})
}

// trustWorkspace marks a workspace path as trusted for project-scoped
// MCP configs.
func (s *Server) trustWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Workspace string `json:"workspace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Workspace == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "workspace required")
		return
	}
	if err := s.mcpManager.Trust().Trust(body.Workspace); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}
