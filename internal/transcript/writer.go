// Package transcript provides a thread-safe, append-only JSON event log
// for a single session, written to {base}/{session-id}/transcript.json.
//
// Every append rewrites the whole file: the array is small and bounded per
// session, reads are rare, and a full rewrite guarantees the file parses as
// valid JSON at every crash point — no partial-line recovery logic needed.
package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/qbit-ai/qbit/internal/qerrors"
	"github.com/qbit-ai/qbit/pkg/types"
)

// Writer appends events to one session's transcript file. A Writer is
// safe for concurrent use; Append serializes internally.
type Writer struct {
	path string

	mu      sync.Mutex
	entries []types.TranscriptEntry
}

// Open loads (or creates) the transcript for sessionID under base. If an
// existing file is present but fails to parse, it starts empty rather than
// failing the session — a corrupt transcript must never block a turn.
func Open(base, sessionID string) (*Writer, error) {
	dir := filepath.Join(base, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, qerrors.Fatal("transcript.open", err)
	}

	w := &Writer{path: filepath.Join(dir, "transcript.json")}

	data, err := os.ReadFile(w.path)
	if err == nil {
		var entries []types.TranscriptEntry
		if jsonErr := json.Unmarshal(data, &entries); jsonErr == nil {
			w.entries = entries
		}
	}

	return w, nil
}

// Path returns the transcript file's on-disk location.
func (w *Writer) Path() string {
	return w.path
}

// Len returns the number of entries currently recorded.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Entries returns a copy of the entries recorded so far.
func (w *Writer) Entries() []types.TranscriptEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.TranscriptEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Append records one event, prepending a UTC timestamp, and rewrites the
// transcript file. Concurrent callers serialize on the Writer's mutex, so
// N concurrent Append calls always produce an array of exactly N entries.
func (w *Writer) Append(sessionID, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return qerrors.New(qerrors.KindFatal, "transcript.append", err)
	}

	entry := types.TranscriptEntry{
		Timestamp: time.Now().UTC().UnixMilli(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      raw,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry)
	return w.persistLocked()
}

// persistLocked serializes the full entry array and writes it atomically
// (temp file + rename) so a crash mid-write never leaves a truncated or
// invalid JSON file on disk. Caller must hold w.mu.
func (w *Writer) persistLocked() error {
	out, err := json.MarshalIndent(w.entries, "", "  ")
	if err != nil {
		return qerrors.New(qerrors.KindFatal, "transcript.marshal", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return qerrors.Fatal("transcript.write", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return qerrors.Fatal("transcript.rename", err)
	}
	return nil
}
