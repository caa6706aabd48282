package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolvePath turns a tool-supplied path into an absolute path inside the
// workspace. Relative paths resolve against the workspace root. Paths whose
// cleaned absolute form lands outside the workspace are refused.
func ResolvePath(workspace, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace root: %w", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return abs, nil
}
