package hitl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/qbit-ai/qbit/internal/config"
	"github.com/qbit-ai/qbit/internal/qerrors"
	"github.com/qbit-ai/qbit/pkg/types"
)

// riskTable assigns a fixed RiskLevel per tool name. Unknown tools default
// High; a tool named sub_agent_* (matched by prefix, see riskFor) defaults
// Medium instead.
var riskTable = map[string]types.RiskLevel{
	"read":       types.RiskLow,
	"list":       types.RiskLow,
	"grep":       types.RiskLow,
	"glob":       types.RiskLow,
	"todoread":   types.RiskLow,
	"webfetch":   types.RiskLow,

	"write":       types.RiskMedium,
	"edit":        types.RiskMedium,
	"todowrite":   types.RiskMedium,
	"update_plan": types.RiskMedium,
	"task":        types.RiskMedium,
	"batch":       types.RiskMedium,

	"bash":            types.RiskHigh,
	"run_command":     types.RiskHigh,
	"run_pty_cmd":     types.RiskHigh,
	"ast_grep_match":  types.RiskLow,
	"ast_grep_replace": types.RiskMedium,

	"delete":      types.RiskCritical,
	"delete_file": types.RiskCritical,
}

// subAgentPrefix is the naming convention sub-agent tools register under
// (spec.md GLOSSARY: "Sub-agent"); these default Medium rather than the
// generic-unknown-tool High default.
const subAgentPrefix = "sub_agent_"

func riskFor(tool string) types.RiskLevel {
	if risk, ok := riskTable[tool]; ok {
		return risk
	}
	if strings.HasPrefix(tool, subAgentPrefix) || strings.HasPrefix(tool, "mcp__") {
		return types.RiskMedium
	}
	return types.RiskHigh
}

// RiskFor exposes the risk table to callers that act on a tool's class
// before deciding whether to involve the recorder at all (read-only tools
// proceed without a prompt).
func RiskFor(tool string) types.RiskLevel {
	return riskFor(tool)
}

// patternsFileVersion tags the persisted format for forward migrations.
const patternsFileVersion = 1

// ToolApprovalConfig is the process-wide HITL policy: tools that must
// always be asked about regardless of learned history, tools that are
// always allowed outright, and whether pattern learning is enabled at all.
type ToolApprovalConfig struct {
	AlwaysAsk         map[string]bool `json:"alwaysAsk,omitempty"`
	AlwaysAllow       map[string]bool `json:"alwaysAllow,omitempty"`
	PatternLearning   bool            `json:"patternLearning"`
}

// DefaultToolApprovalConfig enables pattern learning with no tools
// pre-whitelisted or pre-blacklisted.
func DefaultToolApprovalConfig() ToolApprovalConfig {
	return ToolApprovalConfig{
		AlwaysAsk:       map[string]bool{},
		AlwaysAllow:     map[string]bool{},
		PatternLearning: true,
	}
}

// patternsFile is the on-disk shape persisted under the user config dir.
type patternsFile struct {
	Version  int                               `json:"version"`
	Patterns map[string]*types.ApprovalPattern `json:"patterns"`
	Config   ToolApprovalConfig                `json:"config"`
}

// Recorder implements the HITL decision rule from spec.md §4.5: given a
// tool call, decide whether it can proceed autonomously (built-in
// allow/deny lists, an always-allow pattern, or a pattern that has learned
// enough consistent approvals), or else hand an ApprovalRequest to a
// Runtime and record the answer.
//
// Recorder is a single shared resource: reads take a read lock; recording
// a decision takes a write lock that is released before the (potentially
// slow) persistence write runs, so no lock is held across disk I/O.
type Recorder struct {
	mu       sync.RWMutex
	patterns map[string]*types.ApprovalPattern
	config   ToolApprovalConfig
	path     string
}

// Decider is the capability a Recorder needs from its caller to reach a
// human for tools that don't resolve automatically. It matches the
// Runtime.RequestApproval shape from internal/runtime without importing
// that package, keeping internal/hitl free of a dependency on it.
type Decider interface {
	RequestApproval(ctx context.Context, req types.ApprovalRequest) (types.ApprovalResponse, error)
}

// NewRecorder constructs a Recorder with default config and no patterns.
// Callers that want persistence should follow with Load.
func NewRecorder() *Recorder {
	return NewRecorderAt(PatternsPath())
}

// NewRecorderAt constructs a Recorder persisting at an explicit path,
// for tests and embedded setups that must not touch the user config dir.
func NewRecorderAt(path string) *Recorder {
	return &Recorder{
		patterns: make(map[string]*types.ApprovalPattern),
		config:   DefaultToolApprovalConfig(),
		path:     path,
	}
}

// PatternsPath returns the fixed location the patterns file is persisted
// at, under the user config directory.
func PatternsPath() string {
	return filepath.Join(config.GetPaths().Config, "hitl", "patterns.json")
}

// Load reads the persisted patterns file, if present. A missing file is
// not an error — the Recorder simply starts with no learned history.
func (r *Recorder) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return qerrors.Fatal("hitl.load", err)
	}

	var pf patternsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return qerrors.Fatal("hitl.load", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pf.Patterns != nil {
		r.patterns = pf.Patterns
	}
	r.config = pf.Config
	return nil
}

// persist writes the current patterns and config atomically. Must be
// called without holding r.mu.
func (r *Recorder) persist() error {
	r.mu.RLock()
	pf := patternsFile{
		Version:  patternsFileVersion,
		Patterns: r.patterns,
		Config:   r.config,
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return qerrors.Fatal("hitl.persist", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return qerrors.Fatal("hitl.persist", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return qerrors.Fatal("hitl.persist", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return qerrors.Fatal("hitl.persist", err)
	}
	return nil
}

// Decide runs the priority-ordered decision rule for one tool call and,
// if no automatic rule resolves it, asks decider for a human decision.
// patternKey lets callers fold related invocations into one learned
// pattern (e.g. a bash command's name and subcommand) instead of one pattern per exact
// argument set; pass the tool name again if no finer key applies.
func (r *Recorder) Decide(ctx context.Context, decider Decider, sessionID, tool, patternKey string, args map[string]any) (types.ApprovalAction, error) {
	risk := riskFor(tool)

	r.mu.RLock()
	alwaysAsk := r.config.AlwaysAsk[tool]
	alwaysAllow := r.config.AlwaysAllow[tool]
	pattern := r.patterns[patternKey]
	learningEnabled := r.config.PatternLearning
	r.mu.RUnlock()

	if alwaysAsk {
		return r.ask(ctx, decider, sessionID, tool, risk, patternKey, args, pattern)
	}
	if alwaysAllow {
		r.record(patternKey, tool, risk, true, "")
		return types.ApprovalAllow, nil
	}
	if pattern != nil && pattern.AlwaysAllow {
		r.record(patternKey, tool, risk, true, "")
		return types.ApprovalAllow, nil
	}
	if learningEnabled && pattern != nil && pattern.QualifiesForAutoApprove() {
		r.record(patternKey, tool, risk, true, "")
		return types.ApprovalAllow, nil
	}

	return r.ask(ctx, decider, sessionID, tool, risk, patternKey, args, pattern)
}

// ask builds an ApprovalRequest (with a suggestion if the pattern is close
// to qualifying), hands it to the Decider, and records the outcome.
func (r *Recorder) ask(ctx context.Context, decider Decider, sessionID, tool string, risk types.RiskLevel, patternKey string, args map[string]any, pattern *types.ApprovalPattern) (types.ApprovalAction, error) {
	req := types.ApprovalRequest{
		ID:         sessionID + ":" + patternKey + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  sessionID,
		Tool:       tool,
		Risk:       risk,
		PatternKey: patternKey,
		Arguments:  args,
		Time:       time.Now().UTC().UnixMilli(),
		CanLearn:   r.learningEnabled(),
		Source:     "hitl",
	}
	if pattern != nil {
		stats := *pattern
		req.Stats = &stats
		req.Suggestion = suggestionFor(pattern)
	}
	if req.Suggestion == "" {
		if s, ok := r.Suggestion(patternKey); ok {
			req.Suggestion = s
		}
	}

	resp, err := decider.RequestApproval(ctx, req)
	if err != nil {
		return types.ApprovalDeny, err
	}

	approved := resp.Action == types.ApprovalAllow
	r.record(patternKey, tool, risk, approved, resp.Justification)

	if approved && resp.AlwaysAllow {
		r.setAlwaysAllow(patternKey)
	}

	return resp.Action, nil
}

// suggestionFor implements the heuristic from spec.md §4.5: once a
// pattern has at least 2 approvals and a rate of 0.6+ but hasn't yet
// qualified for auto-approve, surface how many more approvals are needed.
func suggestionFor(p *types.ApprovalPattern) string {
	if p.QualifiesForAutoApprove() {
		return ""
	}
	if p.Approvals < 2 || p.Rate() < 0.6 {
		return ""
	}
	need := types.MinSamplesForAutoApprove - p.Total
	if need < 1 {
		need = 1
	}
	return "approve " + strconv.Itoa(need) + " more time(s) consistently to auto-approve this pattern"
}

// suggestionSimilarityFloor is how close (normalized Levenshtein
// similarity) a pattern key must be to an already-qualified one before
// the resemblance is worth mentioning in the approval prompt.
const suggestionSimilarityFloor = 0.75

// Suggestion fuzzy-matches patternKey against patterns that already
// auto-approve and, when one is close, surfaces the resemblance — a
// "bash:git push" prompt noting that "bash:git" is already trusted tells
// the user why this one is probably fine too.
func (r *Recorder) Suggestion(patternKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	bestScore := 0.0
	for key, p := range r.patterns {
		if key == patternKey {
			continue
		}
		if !p.AlwaysAllow && !p.QualifiesForAutoApprove() {
			continue
		}
		score := keySimilarity(patternKey, key)
		if score > bestScore {
			best, bestScore = key, score
		}
	}

	if best == "" || bestScore < suggestionSimilarityFloor {
		return "", false
	}
	return "similar to already-trusted pattern " + strconv.Quote(best), true
}

// keySimilarity is normalized Levenshtein similarity in [0, 1].
func keySimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// record updates (or creates) a pattern's counters under a write lock,
// releasing the lock before persisting to disk.
func (r *Recorder) record(patternKey, tool string, risk types.RiskLevel, approved bool, justification string) {
	now := time.Now().UTC().UnixMilli()

	r.mu.Lock()
	p, ok := r.patterns[patternKey]
	if !ok {
		p = &types.ApprovalPattern{Key: patternKey, Tool: tool, Risk: risk}
		r.patterns[patternKey] = p
	}
	p.Record(approved, justification, now)
	r.mu.Unlock()

	_ = r.persist()
}

func (r *Recorder) setAlwaysAllow(patternKey string) {
	r.mu.Lock()
	if p, ok := r.patterns[patternKey]; ok {
		p.AlwaysAllow = true
	}
	r.mu.Unlock()
	_ = r.persist()
}

func (r *Recorder) learningEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.PatternLearning
}

// Pattern returns a copy of the learned pattern for key, if any.
func (r *Recorder) Pattern(key string) (types.ApprovalPattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[key]
	if !ok {
		return types.ApprovalPattern{}, false
	}
	return *p, true
}

// Patterns returns every learned pattern, sorted by key, for display.
func (r *Recorder) Patterns() []types.ApprovalPattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ApprovalPattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
