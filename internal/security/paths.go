// Package security guards file access driven by request input.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideDirectory is returned when a path escapes its base directory.
var ErrOutsideDirectory = errors.New("path escapes directory")

// ResolveWithin joins name onto dir and returns the result if it stays
// inside dir once ".." components and symlinks are resolved. The target does
// not need to exist; its nearest existing ancestor is resolved instead.
func ResolveWithin(dir, name string) (string, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	base, err = filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideDirectory, name)
	}

	path := filepath.Join(base, name)
	canonical, err := canonicalize(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, canonical)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q leaves %s", ErrOutsideDirectory, name, dir)
	}
	return path, nil
}

// canonicalize resolves symlinks in the longest existing prefix of path.
func canonicalize(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	resolved, err := canonicalize(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, filepath.Base(path)), nil
}
