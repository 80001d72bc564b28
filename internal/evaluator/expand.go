package evaluator

import (
	"context"
)

// attrMemo caches attrNames enumeration per dot-joined path, reused
// across selectors within one evaluation (spec §4.3.1's "subsequent
// wildcards reuse the memo").
type attrMemo struct {
	names map[string][]string
}

func newAttrMemo() *attrMemo {
	return &attrMemo{names: make(map[string][]string)}
}

func (m *attrMemo) attrNames(ctx context.Context, runner FlakeRunner, repository, path string) ([]string, error) {
	if names, ok := m.names[path]; ok {
		return names, nil
	}

	names, err := runner.AttrNames(ctx, repository, path)
	if err != nil {
		return nil, err
	}

	m.names[path] = names

	return names, nil
}

func filterCandidates(candidates []string, seg Segment) []string {
	out := make([]string, 0, len(candidates))

	for _, c := range candidates {
		if seg.Matches(c) {
			out = append(out, c)
		}
	}

	return out
}

func hasWildcardSegment(segments []Segment) bool {
	for _, seg := range segments {
		if seg.IsGlob {
			return true
		}
	}

	return false
}

func join(prefix, segment string) string {
	if prefix == "" {
		return segment
	}

	return prefix + "." + segment
}

// ExpandWildcards implements spec §4.3.1: segment 0's candidates are
// drawn from FlakeStart, deeper segments from the attrNames of the
// partially-resolved path (memoized), and any path reached through at
// least one glob or "#" segment must pass a type = "derivation" check
// at its final, fully-resolved level before being accepted — a purely
// literal selector names one path directly and is trusted as-is,
// deferring derivation validation to discovery (§4.3.2).
//
// This enumerates breadth of expanded paths, depth of segment index,
// matching §4.3.1's ordering requirement; it replaces the original
// evaluator's nested-loop encoding (REDESIGN FLAGS: the source's
// index-bump semantics are ambiguous at segment boundaries — the
// table in §4.3.1 is normative here).
func ExpandWildcards(ctx context.Context, runner FlakeRunner, repository string, selectors [][]Segment) ([]string, error) {
	memo := newAttrMemo()
	seen := make(map[string]struct{})
	var result []string

	for _, segments := range selectors {
		if !hasWildcardSegment(segments) {
			path := ""
			for _, seg := range segments {
				path = join(path, seg.Literal)
			}

			if _, dup := seen[path]; !dup {
				seen[path] = struct{}{}
				result = append(result, path)
			}

			continue
		}

		paths := []string{""}

		for i, seg := range segments {
			var next []string

			for _, prefix := range paths {
				if !seg.IsGlob {
					joined := join(prefix, seg.Literal)
					next = append(next, joined)
					continue
				}

				var candidates []string
				var err error

				if i == 0 {
					candidates = FlakeStart
				} else {
					candidates, err = memo.attrNames(ctx, runner, repository, prefix)
					if err != nil {
						continue // individual selector failures are skipped, not fatal (spec §4.3.2)
					}
				}

				for _, c := range filterCandidates(candidates, seg) {
					next = append(next, join(prefix, c))
				}
			}

			paths = next
		}

		for _, path := range paths {
			typ, err := runner.AttrType(ctx, repository, path)
			if err != nil || typ != "derivation" {
				continue
			}

			if _, dup := seen[path]; dup {
				continue
			}

			seen[path] = struct{}{}
			result = append(result, path)
		}
	}

	return result, nil
}
