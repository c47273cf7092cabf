package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

// toolNamePrefix and toolNameSep build the exposed name for a server
// tool: mcp__{server}__{tool}.
const (
	toolNamePrefix = "mcp__"
	toolNameSep    = "__"
)

// ExposedToolName returns the name tool T of server S appears under in
// the model's tool list.
func ExposedToolName(server, tool string) string {
	return toolNamePrefix + server + toolNameSep + tool
}

// splitExposedName reverses ExposedToolName.
func splitExposedName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, toolNamePrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, toolNameSep)
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Manager owns the connections to every configured MCP server and
// exposes their tools through the same result envelope local tools use.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*server

	store *OAuthStore
	trust *TrustStore

	// onToolsChanged fires after a tools_list_changed refresh replaced a
	// server's tool list, so the bridge can refresh its copy of the
	// definitions.
	onToolsChanged func()
}

// server is one configured MCP server and its connection state.
type server struct {
	name       string
	config     *Config
	transport  Transport
	tools      []Tool
	status     Status
	err        string
	serverInfo *ServerInfo
}

// NewManager constructs a Manager with the default OAuth token store and
// trusted-paths set.
func NewManager() *Manager {
	return &Manager{
		servers: make(map[string]*server),
		store:   NewOAuthStore(),
		trust:   NewTrustStore(),
	}
}

// Trust exposes the trusted-paths set for host surfaces that let users
// approve a project config.
func (m *Manager) Trust() *TrustStore { return m.trust }

// OnToolsChanged registers the callback invoked after any server's tool
// list is refreshed.
func (m *Manager) OnToolsChanged(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolsChanged = fn
}

// LoadWorkspace connects every server configured for the workspace
// (user-global merged with trusted project config). Individual server
// failures are recorded on the server's status, not returned: one bad
// server must not take down the rest.
func (m *Manager) LoadWorkspace(ctx context.Context, workspace string) error {
	configs, err := LoadConfigs(workspace, m.trust)
	if err != nil {
		return err
	}
	for name, cfg := range configs {
		if err := m.AddServer(ctx, name, cfg); err != nil {
			logging.Warn().Err(err).Str("server", name).Msg("mcp: server failed to connect")
		}
	}
	return nil
}

// AddServer registers and connects one server. A disabled config is
// recorded as such; a connect failure is recorded on the server entry
// and returned.
func (m *Manager) AddServer(ctx context.Context, name string, cfg *Config) error {
	m.mu.Lock()
	if _, ok := m.servers[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("server already exists: %s", name)
	}
	entry := &server{name: name, config: cfg, status: StatusConnecting}
	m.servers[name] = entry
	m.mu.Unlock()

	if !cfg.IsEnabled() {
		m.setStatus(name, StatusDisabled, "")
		return nil
	}

	if err := m.connect(ctx, entry); err != nil {
		m.setStatus(name, StatusFailed, err.Error())
		return err
	}
	m.setStatus(name, StatusConnected, "")
	return nil
}

func (m *Manager) setStatus(name string, status Status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.servers[name]; ok {
		s.status = status
		s.err = errMsg
	}
}

// connect builds the transport, runs the initialize handshake, and
// fetches the initial tool list. A 401 from an HTTP-backed transport
// triggers the OAuth flow and one retry with the obtained token.
func (m *Manager) connect(ctx context.Context, s *server) error {
	timeout := time.Duration(s.config.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := m.buildTransport(connectCtx, s)
	if err != nil {
		var authErr *AuthRequiredError
		if !errors.As(err, &authErr) {
			return err
		}
		transport, err = m.authorizeAndRetry(connectCtx, s, authErr)
		if err != nil {
			return err
		}
	}
	s.transport = transport

	transport.OnNotification(func(method string, params json.RawMessage) {
		if method == "notifications/tools/list_changed" {
			m.refreshTools(context.Background(), s.name)
		}
	})

	if err := m.handshake(connectCtx, s); err != nil {
		var authErr *AuthRequiredError
		if !errors.As(err, &authErr) {
			transport.Close()
			return err
		}
		token, tokenErr := m.obtainToken(connectCtx, s, authErr)
		if tokenErr != nil {
			transport.Close()
			return tokenErr
		}
		setBearer(transport, token)
		if err := m.handshake(connectCtx, s); err != nil {
			transport.Close()
			return err
		}
	}

	return nil
}

func (m *Manager) buildTransport(ctx context.Context, s *server) (Transport, error) {
	cfg := s.config
	switch cfg.Transport {
	case TransportStdio, "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio server %s: command required", s.name)
		}
		command := append([]string{cfg.Command}, cfg.Args...)
		return NewStdioTransport(ctx, command, cfg.Env)
	case TransportHTTP:
		return NewHTTPTransport(cfg.URL, cfg.Headers)
	case TransportSSE:
		return NewSSETransport(ctx, cfg.URL, cfg.Headers)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Transport)
	}
}

// authorizeAndRetry handles a 401 raised while opening the transport
// itself (the SSE GET), then rebuilds it with the token in place.
func (m *Manager) authorizeAndRetry(ctx context.Context, s *server, authErr *AuthRequiredError) (Transport, error) {
	token, err := m.obtainToken(ctx, s, authErr)
	if err != nil {
		return nil, err
	}
	if s.config.Headers == nil {
		s.config.Headers = map[string]string{}
	}
	s.config.Headers["Authorization"] = "Bearer " + token
	return m.buildTransport(ctx, s)
}

func (m *Manager) obtainToken(ctx context.Context, s *server, authErr *AuthRequiredError) (string, error) {
	flow := &oauthFlow{
		serverName: s.name,
		serverURL:  s.config.URL,
		store:      m.store,
		clientID:   s.config.OAuthClient,
	}
	return flow.Token(ctx, authErr.WWWAuthenticate)
}

func setBearer(t Transport, token string) {
	switch tt := t.(type) {
	case *HTTPTransport:
		tt.SetBearerToken(token)
	case *SSETransport:
		tt.SetBearerToken(token)
	}
}

// handshake runs initialize + notifications/initialized and the first
// tools/list.
func (m *Manager) handshake(ctx context.Context, s *server) error {
	raw, err := s.transport.Send(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ServerInfo{Name: "qbit", Version: "1.0.0"},
	})
	if err != nil {
		return err
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("initialize result: %w", err)
	}
	s.serverInfo = &init.ServerInfo

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return err
	}

	tools, err := m.listTools(ctx, s.transport)
	if err != nil {
		// Tools may be unsupported; that's a usable (if dull) server.
		s.tools = nil
		return nil
	}
	s.tools = tools
	return nil
}

func (m *Manager) listTools(ctx context.Context, t Transport) ([]Tool, error) {
	raw, err := t.Send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// refreshTools re-fetches one server's tool list after a
// tools_list_changed notification and fires the change callback.
func (m *Manager) refreshTools(ctx context.Context, name string) {
	m.mu.RLock()
	s, ok := m.servers[name]
	var transport Transport
	if ok {
		transport = s.transport
	}
	fn := m.onToolsChanged
	m.mu.RUnlock()

	if !ok || transport == nil {
		return
	}

	tools, err := m.listTools(ctx, transport)
	if err != nil {
		logging.Warn().Err(err).Str("server", name).Msg("mcp: tools refresh failed")
		return
	}

	m.mu.Lock()
	s.tools = tools
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// ToolDefinitions returns every connected server's tools under their
// exposed mcp__{server}__{tool} names, in the shape the loop feeds into
// the model's tool list.
func (m *Manager) ToolDefinitions() []tool.Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []tool.Definition
	for name, s := range m.servers {
		if s.status != StatusConnected {
			continue
		}
		for _, t := range s.tools {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			defs = append(defs, tool.Definition{
				Name:        ExposedToolName(name, t.Name),
				Description: t.Description,
				Parameters:  schema,
			})
		}
	}
	return defs
}

// CallTool invokes an exposed tool and folds the JSON-RPC outcome into
// the uniform result envelope: transport and server failures become the
// envelope's error, never a Go error.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) types.ToolResult {
	serverName, toolName, ok := splitExposedName(name)
	if !ok {
		return types.ToolResult{Error: fmt.Sprintf("malformed MCP tool name: %s", name)}
	}

	m.mu.RLock()
	s, found := m.servers[serverName]
	m.mu.RUnlock()
	if !found || s.status != StatusConnected || s.transport == nil {
		return types.ToolResult{Error: fmt.Sprintf("MCP server not connected: %s", serverName)}
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return types.ToolResult{Error: fmt.Sprintf("invalid tool arguments: %v", err)}
		}
	}

	raw, err := s.transport.Send(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": argsMap,
	})
	if err != nil {
		return types.ToolResult{Error: fmt.Sprintf("MCP call failed (%s): %v", serverName, err)}
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return types.ToolResult{Error: fmt.Sprintf("undecodable MCP result (%s): %v", serverName, err)}
	}

	var text strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	if result.IsError {
		msg := text.String()
		if msg == "" {
			msg = "tool execution failed"
		}
		return types.ToolResult{Error: msg}
	}
	return types.ToolResult{Output: text.String()}
}

// Status reports every server's connection state.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for name, s := range m.servers {
		st := ServerStatus{Name: name, Status: s.status, ToolCount: len(s.tools)}
		if s.err != "" {
			errCopy := s.err
			st.Error = &errCopy
		}
		out = append(out, st)
	}
	return out
}

// RemoveServer disconnects and forgets one server.
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[name]
	if !ok {
		return fmt.Errorf("server not found: %s", name)
	}
	if s.transport != nil {
		s.transport.Close()
	}
	delete(m.servers, name)
	return nil
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.servers {
		if s.transport != nil {
			s.transport.Close()
		}
	}
	m.servers = make(map[string]*server)
	return nil
}

// ConnectedCount returns how many servers are currently connected.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.servers {
		if s.status == StatusConnected {
			n++
		}
	}
	return n
}
