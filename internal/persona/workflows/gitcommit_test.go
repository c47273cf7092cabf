package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrganizerGroupsByDirAndStatus(t *testing.T) {
	cc := &CommitContext{
		Changes: []StagedChange{
			{Path: "internal/agent/loop.go", Status: "modified"},
			{Path: "internal/agent/stream.go", Status: "modified"},
			{Path: "internal/provider/zai.go", Status: "added"},
			{Path: "README.md", Status: "modified"},
		},
	}

	groups := (&Organizer{}).Organize(cc)
	require.Len(t, groups, 3)

	// Deterministic label ordering.
	assert.Equal(t, "(root) (modified)", groups[0].Label)
	assert.Equal(t, "internal (added)", groups[1].Label)
	assert.Equal(t, "internal (modified)", groups[2].Label)
	assert.Len(t, groups[2].Changes, 2)
	assert.Equal(t, "internal/agent/loop.go", groups[2].Changes[0].Path)
}

func TestParseNumstat(t *testing.T) {
	stats := parseNumstat("10\t2\tinternal/agent/loop.go\n0\t5\tREADME.md\n")
	assert.Equal(t, [2]int{10, 2}, stats["internal/agent/loop.go"])
	assert.Equal(t, [2]int{0, 5}, stats["README.md"])
}

func TestStatusWord(t *testing.T) {
	assert.Equal(t, "added", statusWord("A"))
	assert.Equal(t, "deleted", statusWord("D"))
	assert.Equal(t, "renamed", statusWord("R100"))
	assert.Equal(t, "modified", statusWord("M"))
}
