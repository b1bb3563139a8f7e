package scanner

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathKey derives the canonical catalog key for a file beneath a scan
// root: the root-relative path in the host's native separator, always
// prefixed with a single separator. Every lookup and insert uses this one
// convention so the same file can never appear under two keys.
func PathKey(root string, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("failed to derive path key for %s under %s: %w", path, root, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is not beneath root %s", path, root)
	}

	return string(filepath.Separator) + rel, nil
}
