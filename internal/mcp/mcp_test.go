package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExposedToolNameRoundTrip(t *testing.T) {
	name := ExposedToolName("github", "create_issue")
	assert.Equal(t, "mcp__github__create_issue", name)

	server, toolName, ok := splitExposedName(name)
	require.True(t, ok)
	assert.Equal(t, "github", server)
	assert.Equal(t, "create_issue", toolName)

	_, _, ok = splitExposedName("read_file")
	assert.False(t, ok)
	_, _, ok = splitExposedName("mcp__broken")
	assert.False(t, ok)
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("QBIT_TEST_TOKEN", "sekrit")
	t.Setenv("QBIT_TEST_HOST", "example.com")

	assert.Equal(t, "Bearer sekrit", InterpolateEnv("Bearer $QBIT_TEST_TOKEN"))
	assert.Equal(t, "Bearer sekrit", InterpolateEnv("Bearer ${QBIT_TEST_TOKEN}"))
	// $VAR consumes the full identifier run; braces cut it explicitly.
	assert.Equal(t, "https://example.com/api", InterpolateEnv("https://${QBIT_TEST_HOST}/api"))
	// Missing variables expand to empty string.
	assert.Equal(t, "x--y", InterpolateEnv("x-$QBIT_TEST_DOES_NOT_EXIST-y"))
}

func TestLoadConfigsProjectTrustGate(t *testing.T) {
	// Project config is placed in a temp workspace; the user-global file
	// is not under our control in a test, so verify the project side and
	// the trust gate through loadConfigFile + TrustStore directly.
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, ".qbit")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	t.Setenv("QBIT_TEST_MCP_TOKEN", "tok123")
	projectCfg := `{
		// project server
		"mcpServers": {
			"files": {
				"transport": "stdio",
				"command": "mcp-files",
				"env": {"TOKEN": "$QBIT_TEST_MCP_TOKEN"}
			}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "mcp.json"), []byte(projectCfg), 0o644))

	servers, err := loadConfigFile(filepath.Join(projectDir, "mcp.json"))
	require.NoError(t, err)
	require.Contains(t, servers, "files")
	assert.Equal(t, TransportStdio, servers["files"].Transport)
	assert.Equal(t, "tok123", servers["files"].Env["TOKEN"])
	assert.True(t, servers["files"].IsEnabled())

	// Untrusted workspace: project servers are skipped.
	trust := NewTrustStoreAt(filepath.Join(t.TempDir(), "trusted.json"))
	merged, err := LoadConfigs(workspace, trust)
	require.NoError(t, err)
	assert.NotContains(t, merged, "files")

	// Trusted workspace: project servers load.
	require.NoError(t, trust.Trust(workspace))
	merged, err = LoadConfigs(workspace, trust)
	require.NoError(t, err)
	assert.Contains(t, merged, "files")
}

func TestTrustStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.json")
	ws := t.TempDir()

	s := NewTrustStoreAt(path)
	assert.False(t, s.IsTrusted(ws))
	require.NoError(t, s.Trust(ws))
	assert.True(t, s.IsTrusted(ws))

	reloaded := NewTrustStoreAt(path)
	assert.True(t, reloaded.IsTrusted(ws))

	require.NoError(t, reloaded.Revoke(ws))
	assert.False(t, reloaded.IsTrusted(ws))
}

func TestParseResourceMetadataURL(t *testing.T) {
	header := `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`
	assert.Equal(t, "https://mcp.example.com/.well-known/oauth-protected-resource", parseResourceMetadataURL(header))
	assert.Equal(t, "", parseResourceMetadataURL("Bearer realm=api"))
}

// jsonrpcTestServer implements just enough MCP over HTTP for the manager.
func jsonrpcTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		respond := func(result any) {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
		}

		switch req.Method {
		case "initialize":
			respond(initializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      ServerInfo{Name: "test-server", Version: "0.1.0"},
			})
		case "notifications/initialized":
			w.WriteHeader(http.StatusOK)
		case "tools/list":
			respond(toolsListResult{Tools: []Tool{
				{Name: "echo", Description: "echoes input", InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)},
			}})
		case "tools/call":
			params, _ := json.Marshal(req.Params)
			var call struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			require.NoError(t, json.Unmarshal(params, &call))
			if call.Name != "echo" {
				respond(callToolResult{IsError: true, Content: []Content{{Type: "text", Text: "unknown tool"}}})
				return
			}
			text, _ := call.Arguments["text"].(string)
			respond(callToolResult{Content: []Content{{Type: "text", Text: "echo: " + text}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return &Manager{
		servers: make(map[string]*server),
		store:   NewOAuthStoreAt(filepath.Join(dir, "tokens.json")),
		trust:   NewTrustStoreAt(filepath.Join(dir, "trusted.json")),
	}
}

func TestManagerHTTPToolInvocation(t *testing.T) {
	ts := jsonrpcTestServer(t)
	defer ts.Close()

	m := newTestManager(t)
	defer m.Close()

	err := m.AddServer(context.Background(), "test", &Config{
		Transport: TransportHTTP,
		URL:       ts.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.ConnectedCount())

	defs := m.ToolDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "mcp__test__echo", defs[0].Name)

	result := m.CallTool(context.Background(), "mcp__test__echo", json.RawMessage(`{"text":"hi"}`))
	assert.True(t, result.Succeeded())
	assert.Equal(t, "echo: hi", result.Output)

	// Unknown server and malformed names are envelope failures, not
	// panics or Go errors.
	result = m.CallTool(context.Background(), "mcp__nope__echo", nil)
	assert.False(t, result.Succeeded())
	result = m.CallTool(context.Background(), "not-an-mcp-tool", nil)
	assert.False(t, result.Succeeded())
}

func TestHTTPTransport401SurfacesAuthRequired(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="https://as.example/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	tr, err := NewHTTPTransport(ts.URL, nil)
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), "initialize", nil)

	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.WWWAuthenticate, "resource_metadata")
}

func TestSSEEndpointHandshake(t *testing.T) {
	var postMu sync.Mutex
	var pending []JSONRPCRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		// The endpoint event names a relative POST URL; the client must
		// resolve it against the base.
		fmt.Fprint(w, "event: endpoint\ndata: /messages?sid=abc\n\n")
		flusher.Flush()

		// Pump responses for whatever arrives on the POST side.
		for i := 0; i < 40; i++ {
			postMu.Lock()
			reqs := pending
			pending = nil
			postMu.Unlock()
			for _, req := range reqs {
				var result any
				switch req.Method {
				case "initialize":
					result = initializeResult{ProtocolVersion: ProtocolVersion, ServerInfo: ServerInfo{Name: "sse-server"}}
				case "tools/list":
					result = toolsListResult{}
				default:
					continue
				}
				raw, _ := json.Marshal(result)
				payload, _ := json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("sid"))
		var req JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.ID != 0 {
			postMu.Lock()
			pending = append(pending, req)
			postMu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	tr, err := NewSSETransport(context.Background(), ts.URL+"/sse", nil)
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, ts.URL+"/messages?sid=abc", tr.postURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := tr.Send(ctx, "initialize", initializeParams{ProtocolVersion: ProtocolVersion})
	require.NoError(t, err)

	var init initializeResult
	require.NoError(t, json.Unmarshal(raw, &init))
	assert.Equal(t, "sse-server", init.ServerInfo.Name)
}

func TestOAuthStorePersistsTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	store := NewOAuthStoreAt(path)

	key := ServerKey("https://mcp.example.com/v1")
	require.NoError(t, store.put(key, &storedToken{
		AccessToken:   "at",
		RefreshToken:  "rt",
		Expiry:        time.Now().Add(time.Hour).UTC(),
		ClientID:      "client",
		TokenEndpoint: "https://as.example/token",
	}))

	reloaded := NewOAuthStoreAt(path)
	tok, ok := reloaded.get(key)
	require.True(t, ok)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "client", tok.ClientID)

	// Key derivation is stable and ignores query/fragment noise.
	assert.Equal(t, key, ServerKey("https://mcp.example.com/v1?x=1"))
	assert.NotEqual(t, key, ServerKey("https://other.example.com/v1"))
}
