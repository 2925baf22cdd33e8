// Package safepath implements the safe path resolver (C6): it resolves a
// user-supplied relative path against a canonical root, rejecting any
// escape attempt, and rejects file names matching a denylist glob.
//
// See DESIGN.md for the resolution of a discrepancy between
// original_source's own unit test and spec.md's S6 scenario: this
// implementation follows spec.md, which requires "foo/../../etc/passwd"
// to resolve *under* the root (by popping one segment per ".." the same
// way path normalization does) rather than error.
package safepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrPathTraversal is returned when the resolved path is not prefixed by
// the canonical root.
var ErrPathTraversal = errors.New("safepath: path traversal")

// ErrAccessDenied is returned when the file name matches a denylist glob.
var ErrAccessDenied = errors.New("safepath: access denied")

// SafePath is a validated path within a root directory.
type SafePath struct {
	root     string // canonical
	resolved string
	relative string
}

// Resolver resolves relative paths against a fixed canonicalized root,
// applying a denylist glob filter to resulting file names.
type Resolver struct {
	root     string
	denylist []string
}

// NewResolver canonicalizes root and returns a Resolver. denylist entries
// are glob patterns matched against the resolved path's file name.
func NewResolver(root string, denylist []string) (*Resolver, error) {
	canon, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("safepath: invalid root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(canon); err == nil {
		canon = resolved
	}
	return &Resolver{root: canon, denylist: denylist}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve validates relative against the root, per spec.md §4.5.
func (r *Resolver) Resolve(relative string) (*SafePath, error) {
	cleaned := cleanRelative(relative)
	candidate := filepath.Join(r.root, cleaned)

	resolved := candidate
	if _, err := os.Lstat(candidate); err == nil {
		if real, err := filepath.EvalSymlinks(candidate); err == nil {
			resolved = real
		}
	}

	if !isUnderRoot(resolved, r.root) {
		return nil, ErrPathTraversal
	}

	if name := filepath.Base(resolved); r.matchesDenylist(name) {
		return nil, ErrAccessDenied
	}

	rel, err := filepath.Rel(r.root, resolved)
	if err != nil {
		return nil, ErrPathTraversal
	}

	return &SafePath{root: r.root, resolved: resolved, relative: rel}, nil
}

func (r *Resolver) matchesDenylist(name string) bool {
	for _, pattern := range r.denylist {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
		if pattern == name {
			return true
		}
	}
	return false
}

// FromResolved builds a SafePath from an already-resolved path, bypassing
// cleaning. Used when joining an already-validated path's child directory.
func FromResolved(root, resolved string) (*SafePath, error) {
	if !isUnderRoot(resolved, root) {
		return nil, ErrPathTraversal
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return nil, ErrPathTraversal
	}
	return &SafePath{root: root, resolved: resolved, relative: rel}, nil
}

// Root returns the resolver's canonical root.
func (p *SafePath) Root() string { return p.root }

// Resolved returns the resolved absolute path.
func (p *SafePath) Resolved() string { return p.resolved }

// Relative returns the path relative to root.
func (p *SafePath) Relative() string { return p.relative }

// Exists reports whether the resolved path exists on disk.
func (p *SafePath) Exists() bool {
	_, err := os.Stat(p.resolved)
	return err == nil
}

// IsDir reports whether the resolved path is a directory.
func (p *SafePath) IsDir() bool {
	info, err := os.Stat(p.resolved)
	return err == nil && info.IsDir()
}

// Join resolves a child path under this SafePath, re-validating against
// the same root.
func (p *SafePath) Join(child string) (*SafePath, error) {
	r := &Resolver{root: p.root}
	joined := filepath.Join(p.relative, cleanRelative(child))
	return r.Resolve(joined)
}

// cleanRelative cleans a user-supplied relative path the way spec.md §4.5
// describes: trim leading separators, drop "." components, and pop one
// segment on ".." (never producing a leading ".." in the result, and
// never erroring on an escape attempt — the caller's prefix check is what
// rejects genuine escapes, e.g. an absolute root with no segments to pop).
func cleanRelative(relative string) string {
	relative = strings.TrimLeft(relative, "/\\")

	parts := strings.FieldsFunc(relative, func(r rune) bool {
		return r == '/' || r == '\\'
	})

	var stack []string
	for _, part := range parts {
		switch part {
		case "", ".":
			// skip
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}

	return filepath.Join(stack...)
}

func isUnderRoot(resolved, root string) bool {
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
