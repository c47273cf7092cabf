// Package archive writes the immutable end-of-session summary described in
// spec.md C8: one JSON document per session in a flat directory, discoverable
// by session-id substring or by recency. Once written, an archive is never
// reopened for writing — only the transcript (internal/transcript) is
// mutated while a session is live.
package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/qbit-ai/qbit/internal/qerrors"
	"github.com/qbit-ai/qbit/pkg/types"
)

// Store manages the flat directory of session archive files.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, qerrors.Fatal("archive.newstore", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory archives are written to.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) filename(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Write persists archive as the one immutable document for its session,
// atomically (temp file + rename). Writing twice for the same session-id
// overwrites the prior file — callers must ensure a session is only
// finalized once.
func (s *Store) Write(a *types.SessionArchive) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return qerrors.New(qerrors.KindFatal, "archive.marshal", err)
	}

	path := s.filename(a.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return qerrors.Fatal("archive.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return qerrors.Fatal("archive.rename", err)
	}
	return nil
}

// Read loads the archive for an exact session-id.
func (s *Store) Read(sessionID string) (*types.SessionArchive, error) {
	data, err := os.ReadFile(s.filename(sessionID))
	if err != nil {
		return nil, err
	}
	var a types.SessionArchive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, qerrors.New(qerrors.KindFatal, "archive.unmarshal", err)
	}
	return &a, nil
}

// FindByIdentifier returns every archive whose session-id contains
// substring (case-sensitive), most recently ended first.
func (s *Store) FindByIdentifier(substring string) ([]*types.SessionArchive, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}

	var matches []*types.SessionArchive
	for _, a := range all {
		if strings.Contains(a.SessionID, substring) {
			matches = append(matches, a)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].EndedAt > matches[j].EndedAt })
	return matches, nil
}

// ListRecent returns up to limit archives, most recently ended first.
func (s *Store) ListRecent(limit int) ([]*types.SessionArchive, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EndedAt > all[j].EndedAt })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) all() ([]*types.SessionArchive, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, qerrors.Fatal("archive.list", err)
	}

	var archives []*types.SessionArchive
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var a types.SessionArchive
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		archives = append(archives, &a)
	}
	return archives, nil
}

// BuildFromHistory assembles a SessionArchive from a closed session's
// in-memory state: its metadata, message history (flattened to the
// role+text view ArchiveMessage preserves), and a newline-joined textual
// transcript for grep. toolsUsed should already be deduplicated and sorted;
// the caller (agent.Service.CloseAndArchive) collects every ToolCall name
// from the session history.
func BuildFromHistory(sessionID, projectID, title string, meta types.ArchiveMetadata, startedAt, endedAt int64, messages []types.ArchiveMessage, toolsUsed []string, totals types.ArchiveTotals) *types.SessionArchive {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}

	return &types.SessionArchive{
		SessionID:     sessionID,
		ProjectID:     projectID,
		Title:         title,
		Metadata:      meta,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		TotalMessages: len(messages),
		Totals:        totals,
		ToolsUsed:     toolsUsed,
		Transcript:    strings.Join(lines, "\n"),
		Messages:      messages,
	}
}
