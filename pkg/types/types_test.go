package types

import (
	"encoding/json"
	"testing"
)

func TestSession_JSON(t *testing.T) {
	session := Session{
		ID:        "session-123",
		ProjectID: "project-456",
		Directory: "/home/user/project",
		Title:     "Test Session",
		Version:   "1.0.0",
		Summary: SessionSummary{
			Additions: 100,
			Deletions: 50,
			Files:     5,
		},
		Time: SessionTime{
			Created: 1700000000000,
			Updated: 1700000001000,
		},
	}

	data, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Session
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.ID != session.ID {
		t.Errorf("ID mismatch: got %s, want %s", decoded.ID, session.ID)
	}
	if decoded.ProjectID != session.ProjectID {
		t.Errorf("ProjectID mismatch: got %s, want %s", decoded.ProjectID, session.ProjectID)
	}
	if decoded.Summary.Additions != session.Summary.Additions {
		t.Errorf("Additions mismatch: got %d, want %d", decoded.Summary.Additions, session.Summary.Additions)
	}
}

func TestSession_OptionalFields(t *testing.T) {
	parentID := "parent-123"
	session := Session{ID: "session-123", ParentID: &parentID}

	data, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, ok := raw["parentID"]; !ok {
		t.Error("parentID should be present when set")
	}

	session2 := Session{ID: "session-456"}
	data2, _ := json.Marshal(session2)
	var raw2 map[string]any
	json.Unmarshal(data2, &raw2)
	if _, ok := raw2["parentID"]; ok {
		t.Error("parentID should be omitted when nil")
	}
}

func TestMessage_JSON(t *testing.T) {
	msg := Message{
		ID:         "msg-123",
		SessionID:  "session-456",
		Role:       RoleAssistant,
		ModelID:    "claude-3-opus",
		ProviderID: "anthropic",
		Cost:       0.05,
		Tokens: &TokenUsage{
			Input:  1000,
			Output: 500,
			Cache:  CacheUsage{Read: 100, Write: 50},
		},
		Time: MessageTime{Created: 1700000000000},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Role != RoleAssistant {
		t.Errorf("Role mismatch: got %s, want assistant", decoded.Role)
	}
	if decoded.Tokens.Input != 1000 {
		t.Errorf("Tokens.Input mismatch: got %d, want 1000", decoded.Tokens.Input)
	}
}

func TestMessage_UserFields(t *testing.T) {
	system := "You are a helpful assistant"
	msg := Message{
		ID:        "msg-user-1",
		SessionID: "session-1",
		Role:      RoleUser,
		Agent:     "main",
		Model:     &ModelRef{ProviderID: "anthropic", ModelID: "claude-3-opus"},
		System:    &system,
		Tools: map[string]bool{
			"Read":  true,
			"Write": true,
			"Bash":  false,
		},
		Time: MessageTime{Created: 1700000000000},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Agent != "main" {
		t.Errorf("Agent mismatch: got %s, want main", decoded.Agent)
	}
	if decoded.Model.ProviderID != "anthropic" {
		t.Error("Model.ProviderID mismatch")
	}
	if !decoded.Tools["Read"] {
		t.Error("Tools[Read] should be true")
	}
	if decoded.Tools["Bash"] {
		t.Error("Tools[Bash] should be false")
	}
}

func TestMessage_ToolRole(t *testing.T) {
	msg := Message{
		ID:         "msg-tool-1",
		SessionID:  "session-1",
		Role:       RoleTool,
		ToolCallID: "call-1",
		Time:       MessageTime{Created: 1700000000000},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.ToolCallID != "call-1" {
		t.Errorf("ToolCallID mismatch: got %s", decoded.ToolCallID)
	}
}

func TestToolResult_Succeeded(t *testing.T) {
	ok := ToolResult{Output: "done"}
	if !ok.Succeeded() {
		t.Error("expected success with no error and no exit code")
	}

	withError := ToolResult{Error: "boom"}
	if withError.Succeeded() {
		t.Error("expected failure when Error is set")
	}

	zero := 0
	shellOK := ToolResult{Output: "done", ExitCode: &zero}
	if !shellOK.Succeeded() {
		t.Error("expected success with exit code 0")
	}

	one := 1
	shellFail := ToolResult{Output: "done", ExitCode: &one}
	if shellFail.Succeeded() {
		t.Error("expected failure with non-zero exit code")
	}
}

func TestFileDiff_JSON(t *testing.T) {
	diff := FileDiff{
		Path:      "/src/main.go",
		Additions: 10,
		Deletions: 5,
		Before:    "func old() {}",
		After:     "func new() {}",
	}

	data, err := json.Marshal(diff)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded FileDiff
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Path != diff.Path {
		t.Errorf("Path mismatch: got %s, want %s", decoded.Path, diff.Path)
	}
}

func TestSessionSummary_EmptyDiffs(t *testing.T) {
	summary := SessionSummary{Additions: 0, Deletions: 0, Files: 0}

	data, _ := json.Marshal(summary)
	var raw map[string]any
	json.Unmarshal(data, &raw)

	if _, ok := raw["diffs"]; ok {
		t.Error("diffs should be omitted when nil")
	}
}

func TestCustomPrompt_JSON(t *testing.T) {
	loadedAt := int64(1700000000000)
	prompt := CustomPrompt{
		Type:     "file",
		Value:    "/path/to/prompt.md",
		LoadedAt: &loadedAt,
		Variables: map[string]string{
			"project": "myapp",
			"version": "1.0.0",
		},
	}

	data, err := json.Marshal(prompt)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded CustomPrompt
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Type != "file" {
		t.Errorf("Type mismatch: got %s, want file", decoded.Type)
	}
	if decoded.Variables["project"] != "myapp" {
		t.Error("Variables[project] mismatch")
	}
}

func TestMessageError_JSON(t *testing.T) {
	msgErr := MessageError{Type: "provider", Message: "rate limit exceeded"}

	data, err := json.Marshal(msgErr)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded MessageError
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Type != "provider" {
		t.Errorf("Type mismatch: got %s, want provider", decoded.Type)
	}
}

func TestApprovalPattern_QualifiesForAutoApprove(t *testing.T) {
	p := &ApprovalPattern{Key: "bash:git status", Tool: "bash", Risk: RiskLow}
	for i := 0; i < 4; i++ {
		p.Record(true, "", int64(i))
	}
	if p.QualifiesForAutoApprove() {
		t.Error("should not qualify before minimum sample size")
	}

	p.Record(true, "safe read-only command", 10)
	if !p.QualifiesForAutoApprove() {
		t.Error("should qualify at 5/5 approvals")
	}
	if !p.AlwaysAllow {
		t.Error("Record should promote AlwaysAllow once qualified")
	}
}

func TestApprovalPattern_LowRateNeverQualifies(t *testing.T) {
	p := &ApprovalPattern{Key: "bash:rm -rf", Tool: "bash", Risk: RiskCritical}
	for i := 0; i < 10; i++ {
		p.Record(i%2 == 0, "", int64(i))
	}
	if p.QualifiesForAutoApprove() {
		t.Error("a 50% approval rate should never qualify for auto-approve")
	}
}

func TestApprovalPattern_JustificationQueueBounded(t *testing.T) {
	p := &ApprovalPattern{Key: "webfetch:example.com", Tool: "webfetch", Risk: RiskMedium}
	for i := 0; i < 15; i++ {
		p.Record(true, "ok", int64(i))
	}
	if len(p.Justifications) != justificationQueueCap {
		t.Errorf("expected justification queue capped at %d, got %d", justificationQueueCap, len(p.Justifications))
	}
}

func TestArchiveMessage_RoundTrip(t *testing.T) {
	msg := NewArchiveMessage(RoleAssistant, "hello world")

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	json.Unmarshal(data, &raw)
	if raw["role"] != "Assistant" {
		t.Errorf("expected PascalCase role Assistant, got %v", raw["role"])
	}
	if raw["content"] != "hello world" {
		t.Errorf("expected plain string content, got %v", raw["content"])
	}

	var decoded ArchiveMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Role != RoleAssistant || decoded.Content != "hello world" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestArchiveMessage_LegacyTextObjectContent(t *testing.T) {
	legacy := []byte(`{"role":"User","content":{"text":"legacy message"}}`)

	var decoded ArchiveMessage
	if err := json.Unmarshal(legacy, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Role != RoleUser {
		t.Errorf("expected RoleUser, got %s", decoded.Role)
	}
	if decoded.Content != "legacy message" {
		t.Errorf("expected legacy text extracted, got %q", decoded.Content)
	}
}

func TestSessionArchive_JSON(t *testing.T) {
	archive := SessionArchive{
		SessionID: "session-1",
		ProjectID: "project-1",
		Title:     "Fix the bug",
		StartedAt: 1700000000000,
		EndedAt:   1700000050000,
		Totals: ArchiveTotals{
			InputTokens:  1000,
			OutputTokens: 500,
			ToolCalls:    3,
		},
		ToolsUsed:  []string{"bash", "edit"},
		Transcript: "user: fix it\nassistant: done",
		Messages: []ArchiveMessage{
			NewArchiveMessage(RoleUser, "fix it"),
			NewArchiveMessage(RoleAssistant, "done"),
		},
	}

	data, err := json.Marshal(archive)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded SessionArchive
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(decoded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(decoded.Messages))
	}
	if decoded.Messages[0].Role != RoleUser {
		t.Errorf("expected first message role User, got %s", decoded.Messages[0].Role)
	}
}
