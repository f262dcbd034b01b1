package storage

import (
	"fmt"
	"strings"

	"example.com/labeler/internal/domain"
)

// Wildcard is the match-all pattern and the trailing prefix marker.
const Wildcard = "*"

// Pattern is an exact URI or, when Prefix is set, a URI prefix.
type Pattern struct {
	Value  string
	Prefix bool
}

// Match reports whether uri satisfies the pattern.
func (p Pattern) Match(uri string) bool {
	if p.Prefix {
		return strings.HasPrefix(uri, p.Value)
	}
	return uri == p.Value
}

// ParsePattern parses one uriPatterns entry. Only a single trailing
// wildcard is allowed.
func ParsePattern(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("%w: empty uri pattern", domain.ErrBadRequest)
	}
	i := strings.Index(s, Wildcard)
	switch {
	case i < 0:
		return Pattern{Value: s}, nil
	case i == len(s)-1:
		return Pattern{Value: s[:i], Prefix: true}, nil
	default:
		return Pattern{}, fmt.Errorf("%w: uri pattern %q: only a trailing wildcard is supported", domain.ErrBadRequest, s)
	}
}

// ParsePatterns parses a uriPatterns list. Every entry is validated; a
// bare "*" anywhere in the list then means match-all and yields nil.
func ParsePatterns(raw []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(raw))
	matchAll := false
	for _, s := range raw {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}
		if s == Wildcard {
			matchAll = true
		}
		out = append(out, p)
	}
	if matchAll || len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// MatchAny reports whether uri satisfies any pattern; an empty list matches.
func MatchAny(patterns []Pattern, uri string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p.Match(uri) {
			return true
		}
	}
	return false
}
