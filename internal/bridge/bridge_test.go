package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbit-ai/qbit/internal/archive"
	"github.com/qbit-ai/qbit/internal/hitl"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/internal/runtime"
	"github.com/qbit-ai/qbit/internal/storage"
	"github.com/qbit-ai/qbit/internal/tool"
	"github.com/qbit-ai/qbit/pkg/types"
)

func newTestBridge(t *testing.T, mock *provider.MockProvider) (*Bridge, *runtime.AutoApproveRuntime) {
	t.Helper()
	dir := t.TempDir()
	// Redirect the XDG tree so transcripts/archives land in the test dir.
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	store := storage.New(filepath.Join(dir, "storage"))

	provReg := provider.NewRegistry(nil)
	provReg.Register(mock)

	rt := runtime.NewAutoApproveRuntime()
	b, err := New(context.Background(), Options{
		Workspace: dir,
		Providers: provReg,
		Model:     types.ModelRef{ProviderID: "mock", ModelID: "mock-model"},
		Tools:     tool.NewRegistry(dir, store),
		Recorder:  hitl.NewRecorderAt(filepath.Join(dir, "patterns.json")),
		Runtime:   rt,
		Storage:   store,
	})
	require.NoError(t, err)
	return b, rt
}

func TestBridgeRunTurnAndFinalize(t *testing.T) {
	mock := provider.NewMockProvider(provider.MockTextTurn("hello there"))
	b, rt := newTestBridge(t, mock)

	require.NoError(t, b.RunTurn(context.Background(), "hi"))

	// The turn streamed events through the runtime.
	var sawCompleted bool
	for _, ev := range rt.Events() {
		if ae, ok := ev.Payload.(runtime.AIEvent); ok && ae.Type == "completed" {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)

	require.NoError(t, b.Finalize(context.Background()))

	// Finalize announced session end.
	var sawEnded bool
	for _, ev := range rt.Events() {
		if ev.Channel == runtime.ChannelSessionEnded {
			sawEnded = true
		}
	}
	assert.True(t, sawEnded)

	// A finalized bridge refuses further turns; a second Finalize is a
	// no-op.
	assert.Error(t, b.RunTurn(context.Background(), "again"))
	assert.NoError(t, b.Finalize(context.Background()))
}

func TestBridgeSetWorkspaceIdempotent(t *testing.T) {
	mock := provider.NewMockProvider()
	b, _ := newTestBridge(t, mock)
	defer b.Finalize(context.Background())

	original := b.Workspace()
	require.NoError(t, b.SetWorkspace(context.Background(), original))
	assert.Equal(t, original, b.Workspace())

	next := t.TempDir()
	require.NoError(t, b.SetWorkspace(context.Background(), next))
	assert.Equal(t, next, b.Workspace())
}

func TestBridgeMCPToolDefinitions(t *testing.T) {
	mock := provider.NewMockProvider()
	b, _ := newTestBridge(t, mock)
	defer b.Finalize(context.Background())

	assert.Empty(t, b.MCPToolDefinitions())

	defs := []tool.Definition{{Name: "mcp__github__create_issue", Description: "files an issue"}}
	b.SetMCPTools(defs)
	got := b.MCPToolDefinitions()
	require.Len(t, got, 1)
	assert.Equal(t, "mcp__github__create_issue", got[0].Name)
}

func TestManagerRemoveFinalizesBridge(t *testing.T) {
	mock := provider.NewMockProvider(provider.MockTextTurn("x"))
	b1, rt := newTestBridge(t, mock)

	m := NewManager()
	require.NoError(t, m.Install(context.Background(), b1))

	got, ok := m.Get(b1.SessionID())
	require.True(t, ok)
	assert.Same(t, b1, got)

	// Remove drops the bridge from the manager and finalizes it.
	require.NoError(t, m.Remove(context.Background(), b1.SessionID()))
	_, ok = m.Get(b1.SessionID())
	assert.False(t, ok)

	// Remove finalized the bridge.
	var sawEnded bool
	for _, ev := range rt.Events() {
		if ev.Channel == runtime.ChannelSessionEnded {
			sawEnded = true
		}
	}
	assert.True(t, sawEnded)
	assert.Error(t, b1.RunTurn(context.Background(), "nope"))
}

func TestBridgeClientExposesProviderBinding(t *testing.T) {
	mock := provider.NewMockProvider()
	b, _ := newTestBridge(t, mock)
	defer b.Finalize(context.Background())

	client, err := b.Client()
	require.NoError(t, err)
	assert.Equal(t, "mock", client.ID())
}

func TestFinalizeWritesArchive(t *testing.T) {
	mock := provider.NewMockProvider(provider.MockTextTurn("archived answer"))
	b, _ := newTestBridge(t, mock)

	require.NoError(t, b.RunTurn(context.Background(), "question to archive"))
	require.NoError(t, b.Finalize(context.Background()))

	// The archive is discoverable by session-id substring in the
	// redirected XDG data tree.
	store, err := archive.NewStore(filepath.Join(os.Getenv("XDG_DATA_HOME"), "qbit", "archive"))
	require.NoError(t, err)
	found, err := store.FindByIdentifier(b.SessionID()[:8])
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, b.SessionID(), found[0].SessionID)
	assert.Equal(t, "mock-model", found[0].Metadata.Model)
}
