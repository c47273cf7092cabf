package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

const astGrepMatchDescription = `Structural code search using ast-grep patterns.

Usage:
- pattern is an ast-grep pattern (e.g. "console.log($ARG)")
- lang selects the language parser (e.g. "go", "ts", "py"); omit to infer
- path restricts the search to a file or directory inside the workspace
- Returns matches with file paths and line numbers`

const astGrepReplaceDescription = `Structural code rewrite using ast-grep patterns.

Usage:
- pattern matches the code to rewrite (e.g. "fmt.Sprintf($A)")
- rewrite is the replacement pattern (e.g. "$A")
- lang selects the language parser; omit to infer
- path restricts the rewrite to a file or directory inside the workspace
- Applies edits in place and reports the changed files`

// AstGrepMatchTool shells out to the ast-grep binary for structural
// search, the same way the bash tool shells out for commands.
type AstGrepMatchTool struct {
	workDir string
}

// AstGrepReplaceTool applies structural rewrites via ast-grep.
type AstGrepReplaceTool struct {
	workDir string
}

type astGrepInput struct {
	Pattern string `json:"pattern"`
	Rewrite string `json:"rewrite,omitempty"`
	Lang    string `json:"lang,omitempty"`
	Path    string `json:"path,omitempty"`
}

// NewAstGrepMatchTool creates the structural-search tool.
func NewAstGrepMatchTool(workDir string) *AstGrepMatchTool {
	return &AstGrepMatchTool{workDir: workDir}
}

// NewAstGrepReplaceTool creates the structural-rewrite tool.
func NewAstGrepReplaceTool(workDir string) *AstGrepReplaceTool {
	return &AstGrepReplaceTool{workDir: workDir}
}

func (t *AstGrepMatchTool) ID() string          { return "ast_grep_match" }
func (t *AstGrepMatchTool) Description() string { return astGrepMatchDescription }

func (t *AstGrepMatchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "ast-grep pattern to match"},
			"lang": {"type": "string", "description": "language parser to use"},
			"path": {"type": "string", "description": "file or directory to search"}
		},
		"required": ["pattern"]
	}`)
}

func (t *AstGrepMatchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params astGrepInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}

	target, err := resolveAstGrepTarget(workspaceRoot(t.workDir, toolCtx), params.Path)
	if err != nil {
		return nil, err
	}

	args := []string{"run", "--pattern", params.Pattern}
	if params.Lang != "" {
		args = append(args, "--lang", params.Lang)
	}
	args = append(args, target)

	return runAstGrep(ctx, args, "Matches")
}

func (t *AstGrepReplaceTool) ID() string          { return "ast_grep_replace" }
func (t *AstGrepReplaceTool) Description() string { return astGrepReplaceDescription }

func (t *AstGrepReplaceTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "ast-grep pattern to match"},
			"rewrite": {"type": "string", "description": "replacement pattern"},
			"lang": {"type": "string", "description": "language parser to use"},
			"path": {"type": "string", "description": "file or directory to rewrite"}
		},
		"required": ["pattern", "rewrite"]
	}`)
}

func (t *AstGrepReplaceTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params astGrepInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Pattern == "" || params.Rewrite == "" {
		return nil, fmt.Errorf("pattern and rewrite are required")
	}

	target, err := resolveAstGrepTarget(workspaceRoot(t.workDir, toolCtx), params.Path)
	if err != nil {
		return nil, err
	}

	args := []string{"run", "--pattern", params.Pattern, "--rewrite", params.Rewrite, "--update-all"}
	if params.Lang != "" {
		args = append(args, "--lang", params.Lang)
	}
	args = append(args, target)

	return runAstGrep(ctx, args, "Rewrote")
}

func resolveAstGrepTarget(root, path string) (string, error) {
	if path == "" {
		path = "."
	}
	return ResolveInWorkspace(root, path)
}

func runAstGrep(ctx context.Context, args []string, title string) (*Result, error) {
	cmd := exec.CommandContext(ctx, "ast-grep", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return nil, fmt.Errorf("ast-grep not available: %w", err)
		}
		// Non-zero exit with no output means "no matches"; any output
		// (e.g. a pattern error) is returned for the model to see.
		if len(output) > 0 {
			return &Result{Title: title, Output: strings.TrimSpace(string(output))}, nil
		}
		return &Result{Title: title, Output: "No matches found"}, nil
	}

	text := strings.TrimSpace(string(output))
	if text == "" {
		text = "No matches found"
	}
	return &Result{Title: title, Output: text}, nil
}
