package metadata

import (
	"fmt"
	"strings"
	"unicode"
)

// InvalidDepotPathError reports a depot path or wildcard rejected by the
// grammar in §3/§4.F: forbidden segment characters, a trailing-whitespace
// filename, or (for wildcards) anything other than the trailing "..." range
// form.
type InvalidDepotPathError struct {
	Path string
	Msg  string
}

func (e *InvalidDepotPathError) Error() string {
	return fmt.Sprintf("metadata: invalid depot path %q: %s", e.Path, e.Msg)
}

const (
	wildcardSuffix = "..."
	reservedRange  = "..."
	reservedTilde  = "~"
)

// ValidateDepotPath checks a concrete (non-wildcard) depot path: it must
// start with "//", every segment must be non-empty and free of "/",
// newlines, "...", and "~", and the filename must not end in whitespace.
func ValidateDepotPath(path string) error {
	segs, err := splitDepotPath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return &InvalidDepotPathError{Path: path, Msg: "no segments"}
	}
	filename := segs[len(segs)-1]
	if filename != strings.TrimRightFunc(filename, unicode.IsSpace) {
		return &InvalidDepotPathError{Path: path, Msg: "filename ends with whitespace"}
	}
	return nil
}

func splitDepotPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "//") {
		return nil, &InvalidDepotPathError{Path: path, Msg: "must start with //"}
	}
	trimmed := strings.TrimPrefix(path, "//")
	if trimmed == "" {
		return nil, &InvalidDepotPathError{Path: path, Msg: "empty path"}
	}
	segs := strings.Split(trimmed, "/")
	for _, s := range segs {
		if s == "" {
			return nil, &InvalidDepotPathError{Path: path, Msg: "empty segment"}
		}
		if strings.Contains(s, "\n") {
			return nil, &InvalidDepotPathError{Path: path, Msg: "segment contains newline"}
		}
		if strings.Contains(s, reservedRange) {
			return nil, &InvalidDepotPathError{Path: path, Msg: "segment contains reserved \"...\""}
		}
		if strings.Contains(s, reservedTilde) {
			return nil, &InvalidDepotPathError{Path: path, Msg: "segment contains reserved \"~\""}
		}
	}
	return segs, nil
}

// Wildcard is a parsed range wildcard "//a/b/...", denoting the recursive
// subtree rooted at "//a/b/".
type Wildcard struct {
	// PrefixSegments is {"a", "b"} for "//a/b/...". May be empty for "//...",
	// matching the whole depot.
	PrefixSegments []string
}

// Prefix renders the wildcard's root directory as a depot path, e.g. "//a/b".
func (w Wildcard) Prefix() string {
	return "//" + strings.Join(w.PrefixSegments, "/")
}

// ParseWildcard requires the range form "//a/b/..." (or bare "//..."); any
// other wildcard syntax, including regex-style globs, is rejected.
func ParseWildcard(raw string) (Wildcard, error) {
	if !strings.HasPrefix(raw, "//") {
		return Wildcard{}, &InvalidDepotPathError{Path: raw, Msg: "must start with //"}
	}
	if !strings.HasSuffix(raw, wildcardSuffix) {
		return Wildcard{}, &InvalidDepotPathError{Path: raw, Msg: "only the //a/b/... range form is supported"}
	}
	body := strings.TrimSuffix(raw, wildcardSuffix)
	body = strings.TrimPrefix(body, "//")
	body = strings.TrimSuffix(body, "/")

	if body == "" {
		return Wildcard{PrefixSegments: nil}, nil
	}
	if strings.Contains(body, reservedRange) || strings.Contains(body, reservedTilde) {
		return Wildcard{}, &InvalidDepotPathError{Path: raw, Msg: "prefix contains reserved token"}
	}
	segs := strings.Split(body, "/")
	for _, s := range segs {
		if s == "" {
			return Wildcard{}, &InvalidDepotPathError{Path: raw, Msg: "empty segment in prefix"}
		}
	}
	return Wildcard{PrefixSegments: segs}, nil
}

// Match reports whether path falls within the wildcard's subtree, and if
// so, the path's segments relative to the wildcard's prefix (directory
// components followed by the filename).
func (w Wildcard) Match(path string) (rel []string, ok bool) {
	segs, err := splitDepotPath(path)
	if err != nil {
		return nil, false
	}
	if len(segs) <= len(w.PrefixSegments) {
		return nil, false
	}
	for i, p := range w.PrefixSegments {
		if segs[i] != p {
			return nil, false
		}
	}
	return segs[len(w.PrefixSegments):], true
}
