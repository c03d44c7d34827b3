// Package identity matches runtime tensor keys to the operation nodes of a model's static graph.
package identity

import (
	"strings"
	"unicode"

	"github.com/strataviz/strata/pkg/modelgraph"
)

// Rule names the resolution step that produced a match.
type Rule int

const (
	// RuleNone means no node matched. The record stays keyed by its runtime key only.
	RuleNone Rule = iota
	RuleExact
	RuleSanitized
	RuleSuffix
)

func (r Rule) String() string {
	switch r {
	case RuleExact:
		return "exact"
	case RuleSanitized:
		return "sanitized"
	case RuleSuffix:
		return "suffix"
	}
	return "none"
}

// Query identifies a captured tensor.
type Query struct {
	// Key is the runtime key of the tensor.
	Key string
	// DisplayName is the name of the producing operation, if the runtime reports one.
	DisplayName string
}

type Match struct {
	Node *modelgraph.OperationNode
	Rule Rule
}

func (m Match) Found() bool { return m.Node != nil }

// Sanitize replaces every character outside [A-Za-z0-9_] with '_'.
func Sanitize(s string) string {
	return modelgraph.SanitizeID(s)
}

// Normalize drops every non-alphanumeric character and lower-cases the rest.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// LastSegment strips a path-style prefix, returning everything after the last '/'.
func LastSegment(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Resolver matches queries against a fixed, ordered set of operation nodes.
// Resolution is pure: the same query always yields the same match.
type Resolver struct {
	nodes     []modelgraph.OperationNode
	byID      map[string]int
	sanitized map[string]int
	suffixes  []string
	full      []string
}

func NewResolver(nodes []modelgraph.OperationNode) *Resolver {
	r := &Resolver{
		nodes:     nodes,
		byID:      make(map[string]int, len(nodes)),
		sanitized: make(map[string]int, len(nodes)),
		suffixes:  make([]string, len(nodes)),
		full:      make([]string, len(nodes)),
	}
	for i, n := range nodes {
		if _, ok := r.byID[n.ID]; !ok {
			r.byID[n.ID] = i
		}
		key := strings.ToLower(Sanitize(n.ID))
		if _, ok := r.sanitized[key]; !ok {
			r.sanitized[key] = i
		}
		r.suffixes[i] = Normalize(LastSegment(n.Name))
		r.full[i] = Normalize(n.Name)
	}
	return r
}

// Resolve applies the exact, sanitized and suffix-name rules in that order; the first to match wins.
func (r *Resolver) Resolve(q Query) Match {
	if i, ok := r.byID[q.Key]; ok {
		return r.match(i, RuleExact)
	}
	if i, ok := r.sanitized[strings.ToLower(Sanitize(q.Key))]; ok {
		return r.match(i, RuleSanitized)
	}

	name := q.DisplayName
	if name == "" {
		name = q.Key
	}
	suffix := Normalize(LastSegment(name))
	if suffix == "" {
		return Match{}
	}
	full := Normalize(name)
	for i := range r.nodes {
		if r.full[i] != "" && r.full[i] == full {
			return r.match(i, RuleSuffix)
		}
	}
	for i, s := range r.suffixes {
		if s == "" {
			continue
		}
		if strings.Contains(s, suffix) || strings.Contains(suffix, s) {
			return r.match(i, RuleSuffix)
		}
	}
	return Match{}
}

func (r *Resolver) match(i int, rule Rule) Match {
	return Match{Node: &r.nodes[i], Rule: rule}
}

// Node returns the node with the given ID.
func (r *Resolver) Node(id string) (*modelgraph.OperationNode, bool) {
	i, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return &r.nodes[i], true
}
