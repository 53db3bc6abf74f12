// Package pathscope canonicalizes filesystem paths and checks them against
// a configured workspace allowlist by path-prefix containment.
package pathscope

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideAllowedRoots is returned when a canonicalized path is not a
// prefix-descendant of any configured allowed root.
var ErrOutsideAllowedRoots = errors.New("path is outside the allowed roots")

// Canonicalize resolves path to an absolute, symlink-free form. If the path
// (or some suffix of it) does not yet exist, it walks up to the nearest
// existing ancestor, resolves that, and reappends the missing suffix.
func Canonicalize(path string) (string, error) {
	absolutePath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, remainder, err := resolveExistingAncestor(absolutePath)
	if err != nil {
		return "", err
	}
	if remainder == "" {
		return resolved, nil
	}
	return filepath.Join(resolved, remainder), nil
}

// resolveExistingAncestor walks up from path until it finds a segment that
// exists on disk, symlink-resolves that segment, and returns it along with
// the remaining (not-yet-existing) suffix.
func resolveExistingAncestor(path string) (resolved string, remainder string, err error) {
	current := path
	var suffixParts []string

	for {
		target, statErr := filepath.EvalSymlinks(current)
		if statErr == nil {
			suffix := filepath.Join(suffixParts...)
			return target, suffix, nil
		}
		if !os.IsNotExist(statErr) {
			return "", "", statErr
		}

		parent := filepath.Dir(current)
		if parent == current {
			// reached filesystem root and nothing exists; resolve as-is
			return current, filepath.Join(suffixParts...), nil
		}
		suffixParts = append([]string{filepath.Base(current)}, suffixParts...)
		current = parent
	}
}

// WithinAllowedRoots reports whether canonicalPath is a prefix-descendant
// of any entry in canonicalRoots. Both must already be canonicalized.
func WithinAllowedRoots(canonicalPath string, canonicalRoots []string) bool {
	for _, root := range canonicalRoots {
		if hasPathPrefix(canonicalPath, root) {
			return true
		}
	}
	return false
}

// EnsureWithinAllowedRoots canonicalizes path and validates containment,
// returning the canonical form on success.
func EnsureWithinAllowedRoots(path string, allowedRoots []string) (string, error) {
	canonicalPath, err := Canonicalize(path)
	if err != nil {
		return "", err
	}

	canonicalRoots := make([]string, 0, len(allowedRoots))
	for _, root := range allowedRoots {
		canonicalRoot, err := Canonicalize(root)
		if err != nil {
			return "", err
		}
		canonicalRoots = append(canonicalRoots, canonicalRoot)
	}

	if !WithinAllowedRoots(canonicalPath, canonicalRoots) {
		return "", ErrOutsideAllowedRoots
	}
	return canonicalPath, nil
}

func normalizePath(path string) string {
	cleaned := filepath.ToSlash(filepath.Clean(path))
	return strings.TrimSuffix(cleaned, "/")
}

func hasPathPrefix(path string, prefix string) bool {
	normalizedPath := normalizePath(path)
	normalizedPrefix := normalizePath(prefix)
	if normalizedPrefix == "." || normalizedPrefix == "" {
		return true
	}
	if normalizedPath == normalizedPrefix {
		return true
	}
	return strings.HasPrefix(normalizedPath, normalizedPrefix+"/")
}
