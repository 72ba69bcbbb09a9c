package gateway

import (
	"fmt"
	"strings"
)

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentWildcard
)

type segment struct {
	kind  segmentKind
	value string
}

// pattern is a compiled route path. A request path matches when it has the
// same number of segments and every segment matches: literals exactly,
// ":name" any non-empty value (captured), "*" anything.
type pattern struct {
	raw      string
	segments []segment
	literals int
}

func compilePattern(raw string) (*pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("path %q must start with /", raw)
	}
	p := &pattern{raw: raw}
	seen := make(map[string]bool)
	for _, part := range splitSegments(raw) {
		switch {
		case part == "*":
			p.segments = append(p.segments, segment{kind: segmentWildcard})
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("path %q has an unnamed parameter", raw)
			}
			if seen[name] {
				return nil, fmt.Errorf("path %q repeats parameter %q", raw, name)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{kind: segmentParam, value: name})
		default:
			p.segments = append(p.segments, segment{kind: segmentLiteral, value: part})
			p.literals++
		}
	}
	return p, nil
}

// match returns the captured parameters when path matches.
func (p *pattern) match(path string) (map[string]string, bool) {
	parts := splitSegments(path)
	if len(parts) != len(p.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range p.segments {
		switch seg.kind {
		case segmentLiteral:
			if parts[i] != seg.value {
				return nil, false
			}
		case segmentParam:
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.value] = parts[i]
		case segmentWildcard:
		}
	}
	return params, true
}

// splitSegments splits "/a/b/" into ["a", "b"]. The root path has no
// segments.
func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
