package types

// Session represents a single conversation thread with the agent core. A
// session with a non-nil ParentID is a sub-agent task spawned by a tool
// call in another session.
type Session struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectID"`
	Directory    string         `json:"directory"`
	ParentID     *string        `json:"parentID,omitempty"`
	Title        string         `json:"title"`
	Version      string         `json:"version"`
	Summary      SessionSummary `json:"summary"`
	Time         SessionTime    `json:"time"`
	Revert       *SessionRevert `json:"revert,omitempty"`
	CustomPrompt *CustomPrompt  `json:"customPrompt,omitempty"`
}

// SessionSummary contains aggregate statistics about code changes made
// during a session.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff represents a diff for a single file produced by an edit/write
// tool call.
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Before    string `json:"before,omitempty"`
	After     string `json:"after,omitempty"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created    int64  `json:"created"`
	Updated    int64  `json:"updated"`
	Compacting *int64 `json:"compacting,omitempty"`
}

// SessionRevert records an in-progress or completed revert to an earlier
// point in the conversation.
type SessionRevert struct {
	MessageID string  `json:"messageID"`
	PartID    *string `json:"partID,omitempty"`
	Snapshot  *string `json:"snapshot,omitempty"`
	Diff      *string `json:"diff,omitempty"`
}

// CustomPrompt represents a custom system prompt configuration loaded for
// a session, either inline or from a file on disk.
type CustomPrompt struct {
	Type      string            `json:"type"` // "file" | "inline"
	Value     string            `json:"value"`
	LoadedAt  *int64            `json:"loadedAt,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Project represents a workspace root the core operates against.
type Project struct {
	ID       string      `json:"id"`
	Worktree string      `json:"worktree"`
	VCS      string      `json:"vcs,omitempty"`
	Time     ProjectTime `json:"time"`
}

// ProjectTime contains project timestamps.
type ProjectTime struct {
	Created     int64  `json:"created"`
	Initialized *int64 `json:"initialized,omitempty"`
}
