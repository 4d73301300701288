package alert

import (
	"fmt"
	"strings"
)

// Severity is the canonical (lowercase) name of a configured level.
type Severity string

func (s Severity) String() string { return string(s) }

// MatchPolicy decides which subscriptions receive an alert of a given severity.
type MatchPolicy string

const (
	// MatchExact delivers only to subscriptions of the same severity.
	MatchExact MatchPolicy = "exact"
	// MatchAtLeast also delivers to subscriptions of every lower severity.
	MatchAtLeast MatchPolicy = "at_least"
)

var defaultLevels = []string{"low", "medium", "high"}

// Scale is an ordered set of severities, lowest first. It is immutable after
// construction and safe for concurrent use.
type Scale struct {
	levels []Severity
	rank   map[Severity]int
	policy MatchPolicy
}

// NewScale builds a scale from levels (lowest first). An empty list yields the
// default low/medium/high scale; an empty policy means MatchExact.
func NewScale(levels []string, policy string) (*Scale, error) {
	if len(levels) == 0 {
		levels = defaultLevels
	}
	s := &Scale{
		levels: make([]Severity, 0, len(levels)),
		rank:   make(map[Severity]int, len(levels)),
	}
	for i, raw := range levels {
		name := Severity(strings.ToLower(strings.TrimSpace(raw)))
		if name == "" {
			return nil, fmt.Errorf("severities.levels[%d]: empty level", i)
		}
		if strings.ContainsAny(string(name), " \t\n") {
			return nil, fmt.Errorf("severities.levels[%d]: %q contains whitespace", i, raw)
		}
		if _, dup := s.rank[name]; dup {
			return nil, fmt.Errorf("severities.levels[%d]: duplicate level %q", i, name)
		}
		s.rank[name] = len(s.levels)
		s.levels = append(s.levels, name)
	}

	switch MatchPolicy(strings.ToLower(strings.TrimSpace(policy))) {
	case "", MatchExact:
		s.policy = MatchExact
	case MatchAtLeast:
		s.policy = MatchAtLeast
	default:
		return nil, fmt.Errorf("severities.match: unknown policy %q (want exact or at_least)", policy)
	}
	return s, nil
}

// DefaultScale is low < medium < high with exact matching.
func DefaultScale() *Scale {
	s, _ := NewScale(nil, "")
	return s
}

// Parse resolves a case-insensitive level name.
func (s *Scale) Parse(raw string) (Severity, bool) {
	name := Severity(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := s.rank[name]
	return name, ok
}

// Levels returns a copy of the configured levels, lowest first.
func (s *Scale) Levels() []Severity { return append([]Severity(nil), s.levels...) }

// Rank returns the position of sev (0 = lowest), or -1 if unknown.
func (s *Scale) Rank(sev Severity) int {
	r, ok := s.rank[sev]
	if !ok {
		return -1
	}
	return r
}

func (s *Scale) Policy() MatchPolicy { return s.policy }

// Matching returns the subscription severities that receive an alert of sev
// under the scale's policy. Unknown severities match nothing.
func (s *Scale) Matching(sev Severity) []Severity {
	r := s.Rank(sev)
	if r < 0 {
		return nil
	}
	if s.policy == MatchAtLeast {
		return append([]Severity(nil), s.levels[:r+1]...)
	}
	return []Severity{sev}
}

// Names joins the level names for help and error texts, e.g. "low, medium, high".
func (s *Scale) Names() string {
	parts := make([]string, len(s.levels))
	for i, l := range s.levels {
		parts[i] = string(l)
	}
	return strings.Join(parts, ", ")
}
