package types

import "encoding/json"

// TranscriptEntry is one record in a session's append-only transcript log:
// a leading timestamp, the event type and session, and the event payload
// nested under "data". The log is one JSON array of these entries.
type TranscriptEntry struct {
	Timestamp int64           `json:"_timestamp"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID"`
	Data      json.RawMessage `json:"data"`
}

// SessionArchive is the immutable, end-of-session record written once a
// session completes: its metadata, aggregate totals, and the full
// conversation in a stable backward-compatible shape.
type SessionArchive struct {
	SessionID     string           `json:"sessionID"`
	ProjectID     string           `json:"projectID"`
	Title         string           `json:"title"`
	Metadata      ArchiveMetadata  `json:"metadata"`
	StartedAt     int64            `json:"startedAt"`
	EndedAt       int64            `json:"endedAt"`
	TotalMessages int              `json:"totalMessages"`
	Totals        ArchiveTotals    `json:"totals"`
	ToolsUsed     []string         `json:"distinctTools"`
	Transcript    string           `json:"transcript"`
	Messages      []ArchiveMessage `json:"messages"`
}

// ArchiveMetadata is the workspace/model/provider/UI context a session ran
// under, captured once at archive time since the bridge's workspace and
// provider binding may no longer exist by the time the archive is read.
type ArchiveMetadata struct {
	WorkspaceLabel  string `json:"workspaceLabel"`
	WorkspacePath   string `json:"workspacePath"`
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	Theme           string `json:"theme,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

// ArchiveTotals aggregates token and cost usage across a session.
type ArchiveTotals struct {
	InputTokens     int     `json:"inputTokens"`
	OutputTokens    int     `json:"outputTokens"`
	ReasoningTokens int     `json:"reasoningTokens"`
	Cost            float64 `json:"cost"`
	ToolCalls       int     `json:"toolCalls"`
}

// archiveMessageWire is the on-disk shape: PascalCase role, and content
// either a plain string or the older {"text": "..."} object, preserved so
// archives written by earlier versions still decode.
type archiveMessageWire struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

var pascalRole = map[Role]string{
	RoleUser:      "User",
	RoleAssistant: "Assistant",
	RoleSystem:    "System",
	RoleTool:      "Tool",
}

var roleFromPascal = map[string]Role{
	"User":      RoleUser,
	"Assistant": RoleAssistant,
	"System":    RoleSystem,
	"Tool":      RoleTool,
}

// ArchiveMessage is the minimal round-trippable conversation view stored
// in a SessionArchive's Messages slice.
type ArchiveMessage struct {
	Role    Role
	Content string
}

// MarshalJSON emits the archive's PascalCase role and plain-string content.
func (a ArchiveMessage) MarshalJSON() ([]byte, error) {
	role, ok := pascalRole[a.Role]
	if !ok {
		role = string(a.Role)
	}
	content, err := json.Marshal(a.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(archiveMessageWire{Role: role, Content: content})
}

// UnmarshalJSON accepts content as either a plain string or the legacy
// {"text": "..."} object.
func (a *ArchiveMessage) UnmarshalJSON(data []byte) error {
	var raw archiveMessageWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if role, ok := roleFromPascal[raw.Role]; ok {
		a.Role = role
	} else {
		a.Role = Role(raw.Role)
	}

	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		a.Content = asString
		return nil
	}

	var legacy struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw.Content, &legacy); err != nil {
		return err
	}
	a.Content = legacy.Text
	return nil
}

// NewArchiveMessage builds the archive view of a conversation message.
func NewArchiveMessage(role Role, content string) ArchiveMessage {
	return ArchiveMessage{Role: role, Content: content}
}
