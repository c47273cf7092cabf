package hitl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbit-ai/qbit/pkg/types"
)

type fakeDecider struct {
	action types.ApprovalAction
}

func (f *fakeDecider) RequestApproval(ctx context.Context, req types.ApprovalRequest) (types.ApprovalResponse, error) {
	return types.ApprovalResponse{RequestID: req.ID, Action: f.action}, nil
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := NewRecorder()
	r.path = t.TempDir() + "/patterns.json"
	return r
}

func TestDecideAsksWhenNoHistory(t *testing.T) {
	r := newTestRecorder(t)
	decider := &fakeDecider{action: types.ApprovalAllow}

	action, err := r.Decide(context.Background(), decider, "sess-1", "bash", "bash:git", map[string]any{"cmd": "git status"})
	require.NoError(t, err)
	require.Equal(t, types.ApprovalAllow, action)

	p, ok := r.Pattern("bash:git")
	require.True(t, ok)
	require.Equal(t, 1, p.Total)
	require.Equal(t, 1, p.Approvals)
}

func TestDecideLearnsAndAutoApproves(t *testing.T) {
	r := newTestRecorder(t)
	decider := &fakeDecider{action: types.ApprovalAllow}

	for i := 0; i < types.MinSamplesForAutoApprove; i++ {
		_, err := r.Decide(context.Background(), decider, "sess-1", "bash", "bash:ls", nil)
		require.NoError(t, err)
	}

	p, ok := r.Pattern("bash:ls")
	require.True(t, ok)
	require.True(t, p.QualifiesForAutoApprove())

	// Further calls no longer need to reach the decider: a decider that
	// always denies proves the pattern short-circuited to allow.
	denier := &fakeDecider{action: types.ApprovalDeny}
	action, err := r.Decide(context.Background(), denier, "sess-1", "bash", "bash:ls", nil)
	require.NoError(t, err)
	require.Equal(t, types.ApprovalAllow, action)
}

func TestDecideAlwaysAskOverridesLearnedPattern(t *testing.T) {
	r := newTestRecorder(t)
	r.config.AlwaysAsk["delete_file"] = true
	r.patterns["delete_file:*"] = &types.ApprovalPattern{Key: "delete_file:*", Tool: "delete_file", AlwaysAllow: true}

	decider := &fakeDecider{action: types.ApprovalDeny}
	action, err := r.Decide(context.Background(), decider, "sess-1", "delete_file", "delete_file:*", nil)
	require.NoError(t, err)
	require.Equal(t, types.ApprovalDeny, action)
}

func TestRiskTableDefaults(t *testing.T) {
	require.Equal(t, types.RiskLow, riskFor("read"))
	require.Equal(t, types.RiskHigh, riskFor("bash"))
	require.Equal(t, types.RiskCritical, riskFor("delete_file"))
	require.Equal(t, types.RiskMedium, riskFor("sub_agent_coder"))
	require.Equal(t, types.RiskHigh, riskFor("totally_unknown_tool"))
}

func TestPersistenceRoundTrip(t *testing.T) {
	r := newTestRecorder(t)
	decider := &fakeDecider{action: types.ApprovalAllow}
	_, err := r.Decide(context.Background(), decider, "sess-1", "write", "write:*", nil)
	require.NoError(t, err)

	r2 := NewRecorder()
	r2.path = r.path
	require.NoError(t, r2.Load())

	p, ok := r2.Pattern("write:*")
	require.True(t, ok)
	require.Equal(t, 1, p.Total)
}

func TestSuggestionFuzzyMatchesTrustedPatterns(t *testing.T) {
	r := newTestRecorder(t)

	// A trusted bash pattern and an unrelated one.
	r.patterns["bash:git status"] = &types.ApprovalPattern{
		Key: "bash:git status", Tool: "bash", AlwaysAllow: true,
	}
	r.patterns["webfetch"] = &types.ApprovalPattern{
		Key: "webfetch", Tool: "webfetch", AlwaysAllow: true,
	}

	// A close sibling of the trusted pattern gets the resemblance hint.
	s, ok := r.Suggestion("bash:git stash")
	require.True(t, ok)
	require.Contains(t, s, "bash:git status")

	// Nothing nearby: no hint.
	_, ok = r.Suggestion("delete_file")
	require.False(t, ok)

	// The pattern itself never matches itself.
	_, ok = r.Suggestion("webfetch")
	require.False(t, ok)

	// Untrusted patterns are never suggested.
	r.patterns["bash:rm -rf"] = &types.ApprovalPattern{
		Key: "bash:rm -rf", Tool: "bash", Total: 1, Denials: 1,
	}
	_, ok = r.Suggestion("bash:rm -r")
	require.False(t, ok)
}
