package tool

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolveInWorkspace resolves a tool-supplied path against the workspace
// root and rejects anything that escapes it. Relative paths are joined to
// the root; absolute paths must already sit inside it. The check runs on
// the lexically canonicalized path, before any filesystem side effect, so
// a "../" component can never reach outside the sandbox.
func ResolveInWorkspace(root, p string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace bound")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid workspace root: %w", err)
	}
	rootAbs = filepath.Clean(rootAbs)

	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(rootAbs, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}
	return resolved, nil
}

// workspaceRoot picks the effective sandbox root for one execution: the
// per-turn workspace from the tool context when set, else the root the
// tool was constructed with.
func workspaceRoot(constructed string, toolCtx *Context) string {
	if toolCtx != nil && toolCtx.WorkDir != "" {
		return toolCtx.WorkDir
	}
	return constructed
}
