package policy

import (
	"regexp"
	"strings"
)

// Wildcard replaces path parameters in normalized paths.
const Wildcard = "*"

var (
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	// Letters/digits joined by hyphens, with at least one digit: "abc-123", "v2-a9f3".
	genericIDSegment = regexp.MustCompile(`^[A-Za-z0-9]+(-[A-Za-z0-9]+)+$`)
	hasDigit         = regexp.MustCompile(`[0-9]`)
)

// Normalize collapses path parameters so that every concrete URL of an
// endpoint maps to one policy key.
//
// Rules are applied in order and the first match wins per segment:
//   - "{name}" placeholders and UUID-shaped segments become "*"
//   - a purely numeric trailing segment becomes "*"
//   - a hyphenated alphanumeric trailing segment becomes "*", but only when no
//     earlier rule matched anywhere in the path
//
// The query string, duplicate slashes and a trailing slash are dropped.
func Normalize(rawPath string) string {
	if i := strings.IndexAny(rawPath, "?#"); i >= 0 {
		rawPath = rawPath[:i]
	}

	parts := strings.Split(rawPath, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	if len(segments) == 0 {
		return "/"
	}

	matched := false
	last := len(segments) - 1
	for i, seg := range segments {
		switch {
		case seg == Wildcard:
			matched = true
		case isPlaceholder(seg), uuidSegment.MatchString(seg):
			segments[i] = Wildcard
			matched = true
		case i == last && numericSegment.MatchString(seg):
			segments[i] = Wildcard
			matched = true
		}
	}

	if !matched {
		seg := segments[last]
		if genericIDSegment.MatchString(seg) && hasDigit.MatchString(seg) {
			segments[last] = Wildcard
		}
	}

	return "/" + strings.Join(segments, "/")
}

func isPlaceholder(seg string) bool {
	return len(seg) > 2 && strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}
