package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathTraversal = errors.New("path escapes root")

// ValidateRelativePath reports whether a relative path is textually safe:
// non-empty, not absolute, and free of any ".." segment.
func ValidateRelativePath(relativePath string) bool {
	if relativePath == "" {
		return false
	}
	if strings.HasPrefix(relativePath, "/") || strings.HasPrefix(relativePath, `\`) || filepath.IsAbs(relativePath) {
		return false
	}

	segments := strings.FieldsFunc(relativePath, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	for _, seg := range segments {
		if seg == ".." {
			return false
		}
	}
	return true
}

// ValidatePathInRoot resolves path (following symlinks where it exists) and
// returns the absolute result if it lies inside root.
func ValidatePathInRoot(path, root string) (string, error) {
	absRoot, err := resolve(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	absPath, err := resolve(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside root %s: %w", path, root, ErrPathTraversal)
	}

	return absPath, nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Resolve the deepest existing parent so a symlinked directory still counts.
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs, nil
	}
	parent, err := resolve(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}

// SanitizeFrontmatter strips angle brackets from frontmatter text.
func SanitizeFrontmatter(text string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(text)
}
