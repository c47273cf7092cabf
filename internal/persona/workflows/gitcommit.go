// Package workflows holds the non-AI halves of the built-in workflows:
// deterministic gather/organize steps whose output is handed across the
// collaborator boundary to an isolated writer agent that lives outside
// this module.
package workflows

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// StagedChange is one file in the staged diff, with its change class and
// line counts.
type StagedChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // "added" | "modified" | "deleted" | "renamed"
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff"`
}

// CommitContext is everything the gatherer collects for one commit: the
// staged changes plus recent history for style reference.
type CommitContext struct {
	Changes       []StagedChange `json:"changes"`
	RecentSubjects []string      `json:"recentSubjects"`
	Branch        string         `json:"branch"`
}

// ChangeGroup is one logical group of staged files the organizer
// produces: files under a shared directory with a shared change class.
type ChangeGroup struct {
	Label   string         `json:"label"`
	Changes []StagedChange `json:"changes"`
}

// Gatherer collects the staged diff and surrounding context from a git
// worktree. It runs git directly; no LLM is involved.
type Gatherer struct {
	Dir string
}

// Gather reads the staged changes, per-file stats, the current branch,
// and the last few commit subjects.
func (g *Gatherer) Gather(ctx context.Context) (*CommitContext, error) {
	statusOut, err := g.git(ctx, "diff", "--staged", "--name-status")
	if err != nil {
		return nil, fmt.Errorf("read staged files: %w", err)
	}
	if strings.TrimSpace(statusOut) == "" {
		return nil, fmt.Errorf("nothing staged")
	}

	numstatOut, err := g.git(ctx, "diff", "--staged", "--numstat")
	if err != nil {
		return nil, fmt.Errorf("read staged stats: %w", err)
	}
	stats := parseNumstat(numstatOut)

	cc := &CommitContext{}
	for _, line := range strings.Split(strings.TrimSpace(statusOut), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		change := StagedChange{
			Path:   fields[len(fields)-1],
			Status: statusWord(fields[0]),
		}
		if st, ok := stats[change.Path]; ok {
			change.Additions, change.Deletions = st[0], st[1]
		}
		if diff, err := g.git(ctx, "diff", "--staged", "--", change.Path); err == nil {
			change.Diff = diff
		}
		cc.Changes = append(cc.Changes, change)
	}

	if branch, err := g.git(ctx, "branch", "--show-current"); err == nil {
		cc.Branch = strings.TrimSpace(branch)
	}
	if log, err := g.git(ctx, "log", "--format=%s", "-10"); err == nil {
		for _, subject := range strings.Split(strings.TrimSpace(log), "\n") {
			if subject != "" {
				cc.RecentSubjects = append(cc.RecentSubjects, subject)
			}
		}
	}

	return cc, nil
}

func (g *Gatherer) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	out, err := cmd.Output()
	return string(out), err
}

func parseNumstat(out string) map[string][2]int {
	stats := make(map[string][2]int)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		var adds, dels int
		fmt.Sscanf(fields[0], "%d", &adds)
		fmt.Sscanf(fields[1], "%d", &dels)
		stats[fields[2]] = [2]int{adds, dels}
	}
	return stats
}

func statusWord(code string) string {
	switch {
	case strings.HasPrefix(code, "A"):
		return "added"
	case strings.HasPrefix(code, "D"):
		return "deleted"
	case strings.HasPrefix(code, "R"):
		return "renamed"
	default:
		return "modified"
	}
}

// Organizer groups staged changes into logical units before the writer
// agent sees them: one group per top-level directory and change class,
// sorted so output is deterministic.
type Organizer struct{}

// Organize buckets the gathered changes.
func (o *Organizer) Organize(cc *CommitContext) []ChangeGroup {
	buckets := make(map[string][]StagedChange)
	for _, change := range cc.Changes {
		top := topLevelDir(change.Path)
		key := top + " (" + change.Status + ")"
		buckets[key] = append(buckets[key], change)
	}

	labels := make([]string, 0, len(buckets))
	for label := range buckets {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	groups := make([]ChangeGroup, 0, len(labels))
	for _, label := range labels {
		changes := buckets[label]
		sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
		groups = append(groups, ChangeGroup{Label: label, Changes: changes})
	}
	return groups
}

func topLevelDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		return "(root)"
	}
	parts := strings.SplitN(dir, string(filepath.Separator), 2)
	return parts[0]
}
