package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))

	store := storage.New(filepath.Join(dir, "storage"))
	provReg := provider.NewRegistry(nil)
	provReg.Register(provider.NewMockProvider(provider.MockTextTurn("ok")))

	cfg := DefaultConfig()
	cfg.Directory = dir
	return New(cfg, &types.Config{Model: "mock/mock-model"}, store, provReg, tool.NewRegistry(dir, store))
}

func TestListModelsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Models []provider.OwnedModelDefinition `json:"models"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "mock-model", body.Models[0].ID)
}

func TestRegisterDynamicModelEndpoint(t *testing.T) {
	srv := newTestServer(t)

	payload := `{"provider":"mock","model":"mock-xl","capabilities":{"supportsTemperature":true,"contextWindow":65536,"maxOutputTokens":8192}}`
	req := httptest.NewRequest(http.MethodPost, "/models/dynamic", strings.NewReader(payload))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	caps := provider.CapabilitiesFor("mock", "mock-xl")
	assert.Equal(t, 65536, caps.ContextWindow)

	// Missing fields are rejected.
	req = httptest.NewRequest(http.MethodPost, "/models/dynamic", strings.NewReader(`{"provider":"mock"}`))
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalEndpointValidatesAction(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/approvals/req-1", strings.NewReader(`{"action":"maybe"}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A valid decision for an unknown request id is accepted and dropped.
	req = httptest.NewRequest(http.MethodPost, "/approvals/req-1", strings.NewReader(`{"action":"deny"}`))
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t)

	// Create.
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"provider":"mock","model":"mock-model"}`))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		SessionID string `json:"sessionID"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)

	// Send a message; the mock provider answers immediately.
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+created.SessionID+"/messages", strings.NewReader(`{"text":"hi"}`))
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Delete finalizes.
	req = httptest.NewRequest(http.MethodDelete, "/sessions/"+created.SessionID, nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Unknown session is a 404.
	req = httptest.NewRequest(http.MethodPost, "/sessions/nope/messages", strings.NewReader(`{"text":"hi"}`))
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
