// internal/types/path.go
package types

import (
	"strings"
)

// DefaultCategory is the tree path of items filed without a category.
const DefaultCategory = "uncategorized"

// PathSeparator joins labels in a path key. It cannot appear in a label.
const PathSeparator = "\x1f"

// NormalizePath trims every label and substitutes the default category for
// an empty path. Blank labels are rejected.
func NormalizePath(path []string) ([]string, error) {
	if len(path) == 0 {
		return []string{DefaultCategory}, nil
	}
	out := make([]string, len(path))
	for i, label := range path {
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, &ValidationError{Field: "tree_path", Constraint: "labels must not be empty"}
		}
		if strings.Contains(label, PathSeparator) {
			return nil, &ValidationError{Field: "tree_path", Constraint: "labels must not contain control characters"}
		}
		out[i] = label
	}
	return out, nil
}

// ParsePath splits a slash separated path such as "work/projects".
func ParsePath(s string) []string {
	var out []string
	for _, label := range strings.Split(s, "/") {
		if label = strings.TrimSpace(label); label != "" {
			out = append(out, label)
		}
	}
	return out
}

// FormatPath renders a path with slashes.
func FormatPath(path []string) string {
	return strings.Join(path, "/")
}

// PathKey encodes a path so that prefix matching on the key is prefix
// matching on whole labels.
func PathKey(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return strings.Join(path, PathSeparator) + PathSeparator
}

// KeyPath decodes a key produced by PathKey.
func KeyPath(key string) []string {
	key = strings.TrimSuffix(key, PathSeparator)
	if key == "" {
		return nil
	}
	return strings.Split(key, PathSeparator)
}

// HasPathPrefix reports whether prefix is a label-wise prefix of path.
func HasPathPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// EqualPath reports whether two paths are identical.
func EqualPath(a, b []string) bool {
	return len(a) == len(b) && HasPathPrefix(a, b)
}
