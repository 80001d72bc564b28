// Package evaluator expands a project's wildcard selection against a
// pinned repository reference into a DAG of builds, per spec §4.3.
//
// Grounded on original_source/backend/builder/src/evaluator.rs and
// core/src/input.rs::parse_evaluation_wildcard; the wildcard grammar
// is three token kinds (literal, glob, type-check sentinel `#`), so a
// hand-rolled scanner is the idiomatic size here, matching the
// original's own hand-rolled parser rather than pulling in a grammar
// library.
package evaluator

import (
	"fmt"
	"strings"
)

// Segment is one dot-separated component of a wildcard selector.
type Segment struct {
	Literal   string // set when neither glob nor sentinel
	IsGlob    bool   // "*" appears in the segment
	Prefix    string // text before the "*"
	Suffix    string // text after the "*"
	TypeCheck bool   // segment was the "#" sentinel
}

// Matches reports whether a candidate attribute name satisfies this
// segment, per spec §4.3.1: a literal matches exactly; a glob matches
// starts_with(prefix) ∧ ends_with(suffix) ∧ len ≥ len(prefix)+len(suffix).
func (s Segment) Matches(candidate string) bool {
	if !s.IsGlob {
		return candidate == s.Literal
	}

	return strings.HasPrefix(candidate, s.Prefix) &&
		strings.HasSuffix(candidate, s.Suffix) &&
		len(candidate) >= len(s.Prefix)+len(s.Suffix)
}

// ParseSegment classifies one "."-delimited token.
func ParseSegment(token string) Segment {
	if token == "#" {
		return Segment{IsGlob: true, TypeCheck: true}
	}

	if idx := strings.IndexByte(token, '*'); idx >= 0 {
		return Segment{IsGlob: true, Prefix: token[:idx], Suffix: token[idx+1:]}
	}

	return Segment{Literal: token}
}

// ParseWildcard validates and splits a raw wildcard expression into
// its comma-separated selectors, each already tokenized on ".".
//
// Property P7 (spec §8): accepts "a.b", "a.b,c.d"; rejects "", "a,,b",
// " a", "a ", "a b", ".a".
func ParseWildcard(s string) ([][]Segment, error) {
	if strings.TrimSpace(s) != s {
		return nil, fmt.Errorf("evaluation wildcard cannot have leading or trailing whitespace")
	}

	if strings.Contains(s, ",,") {
		return nil, fmt.Errorf("evaluation wildcard cannot have consecutive commas")
	}

	if len(strings.Fields(s)) > 1 {
		return nil, fmt.Errorf("evaluation wildcard cannot have whitespace")
	}

	rawSelectors := strings.Split(s, ",")
	if len(rawSelectors) == 0 {
		return nil, fmt.Errorf("evaluation wildcard cannot be empty")
	}

	selectors := make([][]Segment, 0, len(rawSelectors))

	for _, raw := range rawSelectors {
		selector := strings.TrimSpace(raw)

		if selector == "" {
			return nil, fmt.Errorf("evaluation wildcard cannot be empty")
		}

		if strings.HasPrefix(selector, ".") {
			return nil, fmt.Errorf("evaluation wildcard cannot start with a period")
		}

		tokens := strings.Split(selector, ".")
		segments := make([]Segment, len(tokens))

		for i, tok := range tokens {
			segments[i] = ParseSegment(tok)
		}

		selectors = append(selectors, segments)
	}

	return selectors, nil
}

// ValidWildcard reports whether s parses successfully, for use as a
// field-level validator when projects are created or updated.
func ValidWildcard(s string) bool {
	_, err := ParseWildcard(s)
	return err == nil
}
