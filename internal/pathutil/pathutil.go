// Package pathutil provides the path predicates the file monitor and
// rollback engine rely on: workspace containment and symlink-safe
// resolution.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Within reports whether path is dir itself or inside it. Both arguments
// must be absolute; relative inputs report false.
func Within(path, dir string) bool {
	if !filepath.IsAbs(path) || !filepath.IsAbs(dir) {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Resolve follows symlinks and reports the real path, requiring the result
// to stay inside dir. A file that resolves outside the workspace is treated
// as an escape, not silently followed; backing up or restoring through such
// a link would touch files the session never owned.
func Resolve(path, dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("pathutil: resolve %s: %w", path, err)
	}
	// The boundary itself may sit behind a symlink (common for temp dirs);
	// compare real path against real boundary.
	if realDir, err := filepath.EvalSymlinks(dir); err == nil {
		dir = realDir
	}
	if !Within(resolved, dir) {
		return "", fmt.Errorf("pathutil: %s resolves to %s, outside %s", path, resolved, dir)
	}
	return resolved, nil
}
