package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/qbit-ai/qbit/internal/config"
	"github.com/qbit-ai/qbit/internal/logging"
)

// configFile is the on-disk shape of an MCP config document.
type configFile struct {
	MCPServers map[string]*Config `json:"mcpServers"`
}

// UserConfigPath is the user-global MCP config location.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".qbit", "mcp.json")
}

// ProjectConfigPath is the project-scoped MCP config location inside a
// workspace.
func ProjectConfigPath(workspace string) string {
	return filepath.Join(workspace, ".qbit", "mcp.json")
}

// LoadConfigs merges the user-global config with the workspace's
// project-scoped config; the project wins on server-name collision.
// Project configs are only honored when the workspace path has been
// trusted (see TrustStore) — an untrusted project's servers are skipped
// with a warning, never contacted.
func LoadConfigs(workspace string, trust *TrustStore) (map[string]*Config, error) {
	log := logging.With().Str("component", "mcp").Logger()
	merged := make(map[string]*Config)

	if userPath := UserConfigPath(); userPath != "" {
		userServers, err := loadConfigFile(userPath)
		if err != nil {
			return nil, fmt.Errorf("user mcp config: %w", err)
		}
		for name, cfg := range userServers {
			merged[name] = cfg
		}
	}

	if workspace != "" {
		projectPath := ProjectConfigPath(workspace)
		if _, err := os.Stat(projectPath); err == nil {
			if trust != nil && !trust.IsTrusted(workspace) {
				log.Warn().Str("workspace", workspace).Msg("project mcp config present but workspace not trusted, skipping")
			} else {
				projectServers, err := loadConfigFile(projectPath)
				if err != nil {
					return nil, fmt.Errorf("project mcp config: %w", err)
				}
				for name, cfg := range projectServers {
					merged[name] = cfg
				}
			}
		}
	}

	return merged, nil
}

// loadConfigFile reads one config document, tolerating comments (jsonc)
// and interpolating environment variables into every string field. A
// missing file is an empty config, not an error.
func loadConfigFile(path string) (map[string]*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data = jsonc.ToJSON(data)
	data = []byte(InterpolateEnv(string(data)))

	var doc configFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc.MCPServers, nil
}

// envVarPattern matches $VAR (consuming [A-Za-z_][A-Za-z0-9_]*) and the
// explicit ${VAR} form.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// InterpolateEnv expands environment-variable references in s. Missing
// variables expand to the empty string.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		return os.Getenv(name)
	})
}

// TrustStore is the set of workspace paths whose project-scoped MCP
// configs may be acted on, persisted under the user config directory.
type TrustStore struct {
	mu    sync.Mutex
	path  string
	paths map[string]bool
}

// NewTrustStore loads the trusted-paths set from its default location.
func NewTrustStore() *TrustStore {
	return NewTrustStoreAt(filepath.Join(config.GetPaths().Config, "mcp", "trusted.json"))
}

// NewTrustStoreAt loads the trusted-paths set from an explicit path.
func NewTrustStoreAt(path string) *TrustStore {
	s := &TrustStore{path: path, paths: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if err == nil {
		var list []string
		if json.Unmarshal(data, &list) == nil {
			for _, p := range list {
				s.paths[p] = true
			}
		}
	}
	return s
}

// IsTrusted reports whether a workspace path has been trusted.
func (s *TrustStore) IsTrusted(workspace string) bool {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[abs]
}

// Trust adds a workspace path to the trusted set and persists it.
func (s *TrustStore) Trust(workspace string) error {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[abs] = true
	return s.persistLocked()
}

// Revoke removes a workspace path from the trusted set.
func (s *TrustStore) Revoke(workspace string) error {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, abs)
	return s.persistLocked()
}

func (s *TrustStore) persistLocked() error {
	list := make([]string, 0, len(s.paths))
	for p := range s.paths {
		list = append(list, p)
	}
	sort.Strings(list)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
