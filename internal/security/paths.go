package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileAccess is the result of checking a local path against the allowlist.
type FileAccess struct {
	Path    string
	Allowed bool
}

// ClassifyFilePath expands "~", resolves symlinks and reports whether the
// result lies under one of allowed. Paths that do not exist are an error.
func ClassifyFilePath(path string, allowed []string) (FileAccess, error) {
	resolved, err := resolveExisting(path)
	if err != nil {
		return FileAccess{}, err
	}
	for _, a := range allowed {
		base, err := resolveExisting(a)
		if err != nil {
			continue
		}
		if within(base, resolved) {
			return FileAccess{Path: resolved, Allowed: true}, nil
		}
	}
	return FileAccess{Path: resolved}, nil
}

// ResolveWritePath expands and absolutizes a path that may not exist yet,
// resolving symlinks on the deepest existing ancestor.
func ResolveWritePath(path string) (string, error) {
	abs, err := expandAbs(path)
	if err != nil {
		return "", err
	}
	dir, rest := abs, ""
	for {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}

func resolveExisting(path string) (string, error) {
	abs, err := expandAbs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("could not resolve path '%s': no such file or directory", path)
		}
		return "", fmt.Errorf("could not resolve path '%s': %w", path, err)
	}
	return real, nil
}

func expandAbs(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return filepath.Abs(path)
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
