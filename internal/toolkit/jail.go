package toolkit

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrWorkspaceEscape is returned when a path resolves outside the
	// workspace root.
	ErrWorkspaceEscape = errors.New("toolkit: path escapes workspace root")

	// ErrDenyPatternMatch is returned when a path matches a policy deny
	// glob.
	ErrDenyPatternMatch = errors.New("toolkit: path matches deny pattern")
)

// Jail confines tool file access to a workspace root with policy deny
// globs. Glob semantics: `*` matches any run of non-separator characters,
// `**` matches any run including separators, and a pattern starting with
// `**/` also matches with the leading `**/` stripped.
type Jail struct {
	Root         string
	DenyPatterns []string
}

// NewJail creates a jail rooted at root.
func NewJail(root string, denyPatterns []string) *Jail {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Jail{Root: abs, DenyPatterns: denyPatterns}
}

// Validate resolves target against the root and returns the absolute path.
// It fails with ErrWorkspaceEscape when the resolved path leaves the root
// and ErrDenyPatternMatch when the relative path matches a deny glob.
func (j *Jail) Validate(target string) (string, error) {
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(j.Root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(j.Root, resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceEscape, target)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceEscape, target)
	}

	for _, pattern := range j.DenyPatterns {
		if GlobMatch(pattern, rel) {
			return "", fmt.Errorf("%w: %s (pattern %s)", ErrDenyPatternMatch, target, pattern)
		}
	}

	return resolved, nil
}

// Denied reports whether the workspace-relative path matches a deny glob.
func (j *Jail) Denied(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range j.DenyPatterns {
		if GlobMatch(pattern, rel) {
			return true
		}
	}
	return false
}

// GlobMatch matches a slash-separated path against a glob pattern with
// `*` and `**` semantics.
func GlobMatch(pattern, path string) bool {
	if matchSegments(splitSlash(pattern), splitSlash(path)) {
		return true
	}
	// A leading **/ also matches the bare remainder, so **/.git/** covers
	// .git/config at the workspace root.
	if stripped, ok := strings.CutPrefix(pattern, "**/"); ok {
		return matchSegments(splitSlash(stripped), splitSlash(path))
	}
	return false
}

func splitSlash(s string) []string {
	return strings.Split(strings.Trim(s, "/"), "/")
}

// matchSegments matches pattern segments against path segments. A `**`
// segment matches zero or more path segments.
func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		for skip := 0; skip <= len(path); skip++ {
			if matchSegments(pattern[1:], path[skip:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !matchSegment(pattern[0], path[0]) {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

// matchSegment matches a single segment where `*` spans any run of
// characters within the segment.
func matchSegment(pattern, segment string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == segment
	}

	if !strings.HasPrefix(segment, parts[0]) {
		return false
	}
	segment = segment[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(segment, parts[i])
		if idx < 0 {
			return false
		}
		segment = segment[idx+len(parts[i]):]
	}

	return strings.HasSuffix(segment, parts[len(parts)-1])
}
