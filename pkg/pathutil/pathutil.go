// Package pathutil provides path containment and URL joining helpers for
// the file server and connection layers. All results use forward slashes
// regardless of platform.
package pathutil

import (
	"path"
	"path/filepath"
	"strings"
)

// ToPosix converts a platform path to forward-slash form
func ToPosix(p string) string {
	return filepath.ToSlash(p)
}

// normalize cleans a path into forward-slash form without a trailing
// separator (except for the root itself).
func normalize(p string) string {
	return path.Clean(ToPosix(p))
}

// IsParent reports whether child lies within parent. The test is
// segment-aware: "/a/b" contains "/a/b/c" and "/a/b" itself, but not
// "/a/bc". An empty parent contains nothing. Trailing separators on
// either argument do not change the answer.
func IsParent(parent, child string) bool {
	if parent == "" {
		return false
	}

	p := normalize(parent)
	c := normalize(child)

	if p == c {
		return true
	}
	if p == "/" {
		return strings.HasPrefix(c, "/")
	}
	if !strings.HasPrefix(c, p) {
		return false
	}
	return c[len(p)] == '/'
}

// RelativeTo returns child's path relative to parent with a single
// leading slash, in forward-slash form. It returns false when child is
// not within parent. RelativeTo(p, p) yields "/".
func RelativeTo(parent, child string) (string, bool) {
	if !IsParent(parent, child) {
		return "", false
	}

	p := normalize(parent)
	c := normalize(child)

	if p == c {
		return "/", true
	}
	if p == "/" {
		return c, true
	}
	return c[len(p):], true
}

// JoinURL appends rel to base with exactly one slash between them,
// whatever trailing or leading slashes the arguments carry. An empty rel
// returns base unchanged.
func JoinURL(base, rel string) string {
	r := strings.TrimLeft(rel, "/")
	if r == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + r
}
