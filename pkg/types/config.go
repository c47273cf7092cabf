package types

// Config is the root settings document loaded from the user-global and
// project-scoped config files and merged before a session starts.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	Username string `json:"username,omitempty"`

	Model      string `json:"model,omitempty"`
	SmallModel string `json:"small_model,omitempty"`

	Tools           map[string]bool           `json:"tools,omitempty"`
	Instructions    []string                  `json:"instructions,omitempty"`
	PromptVariables map[string]string         `json:"promptVariables,omitempty"`
	Provider        map[string]ProviderConfig `json:"provider,omitempty"`
	Agent           map[string]AgentConfig    `json:"agent,omitempty"`
	Permission      *PermissionConfig         `json:"permission,omitempty"`
	MCP             map[string]MCPConfig      `json:"mcp,omitempty"`
	Experimental    *ExperimentalConfig       `json:"experimental,omitempty"`
}

// ProviderConfig holds configuration for a specific LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`

	Model string `json:"model,omitempty"`

	// Npm is the wire-shape discriminator carried over from settings files
	// written for the TypeScript implementation (e.g.
	// "@ai-sdk/openai-compatible").
	Npm string `json:"npm,omitempty"`

	Options *ProviderOptions `json:"options,omitempty"`

	// Models declares custom models for OpenAI-compatible endpoints the
	// static catalogs don't know about.
	Models map[string]ModelConfig `json:"models,omitempty"`

	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`

	Disable bool `json:"disable,omitempty"`
}

// ModelConfig declares one custom model on a configured provider.
type ModelConfig struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ContextLength int    `json:"contextLength,omitempty"`
	Reasoning     bool   `json:"reasoning,omitempty"`
	ToolCall      bool   `json:"tool_call,omitempty"`
}

// ProviderOptions holds nested provider connection options.
type ProviderOptions struct {
	APIKey        string `json:"apiKey,omitempty"`
	BaseURL       string `json:"baseURL,omitempty"`
	EnterpriseURL string `json:"enterpriseUrl,omitempty"`
	Timeout       *int   `json:"timeout,omitempty"` // ms; nil = default, 0 = disabled
}

// AgentConfig holds the configuration for one persona/sub-agent.
type AgentConfig struct {
	Model string `json:"model,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`

	Prompt string `json:"prompt,omitempty"`

	Tools      map[string]bool   `json:"tools,omitempty"`
	Permission *PermissionConfig `json:"permission,omitempty"`

	Description string `json:"description,omitempty"`
	Mode        string `json:"mode,omitempty"` // "subagent" | "primary" | "all"
	Color       string `json:"color,omitempty"`

	Disable bool `json:"disable,omitempty"`
}

// PermissionConfig holds HITL approval policy settings, either a single
// action for all invocations of a risk class or a pattern-keyed map (e.g.
// bash command prefixes).
type PermissionConfig struct {
	Edit        string      `json:"edit,omitempty"`
	Bash        interface{} `json:"bash,omitempty"` // string or map[string]string
	WebFetch    string      `json:"webfetch,omitempty"`
	ExternalDir string      `json:"external_directory,omitempty"`
	DoomLoop    string      `json:"doom_loop,omitempty"`
}

// MCPConfig holds one MCP server's connection configuration.
type MCPConfig struct {
	Type        string            `json:"type,omitempty"` // "local" | "remote"
	Command     []string          `json:"command,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	OAuth       *MCPOAuthConfig   `json:"oauth,omitempty"`
}

// MCPOAuthConfig configures an MCP remote server's OAuth 2.1/PKCE flow.
type MCPOAuthConfig struct {
	ClientID     string   `json:"clientID,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectPort int      `json:"redirectPort,omitempty"`
}

// ExperimentalConfig holds experimental feature flags.
type ExperimentalConfig struct {
	BatchTool bool `json:"batch_tool,omitempty"`
}

// Model represents an LLM model available from a provider.
type Model struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	ProviderID        string       `json:"providerID"`
	ContextLength     int          `json:"contextLength"`
	MaxOutputTokens   int          `json:"maxOutputTokens,omitempty"`
	SupportsTools     bool         `json:"supportsTools"`
	SupportsVision    bool         `json:"supportsVision"`
	SupportsReasoning bool         `json:"supportsReasoning,omitempty"`
	InputPrice        float64      `json:"inputPrice,omitempty"`
	OutputPrice       float64      `json:"outputPrice,omitempty"`
	Options           ModelOptions `json:"options,omitempty"`
}

// ModelOptions contains model-specific generation options.
type ModelOptions struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"topP,omitempty"`
	PromptCaching  bool     `json:"promptCaching,omitempty"`
	ExtendedOutput bool     `json:"extendedOutput,omitempty"`
}
