// Package filter implements LDAP-style (RFC 1960) filter expressions used to
// select capabilities by their attributes and services by their properties.
//
//	(&(osgi.wiring.package=com.acme.api)(version>=1.0.0)(!(version>=2.0.0)))
//	(|(objectClass=com.acme.Greeter)(service.ranking>=10))
//
// A filter literal is coerced to the type of the attribute it is compared with:
// numeric and boolean attributes compare numerically/logically, version
// attributes compare as versions, and slice-valued attributes match when any
// element matches.
package filter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidFilter = errors.New("invalid filter")
)

type op int

const (
	opAnd op = iota
	opOr
	opNot
	opEqual
	opApprox
	opGreaterEqual
	opLessEqual
	opPresent
	opSubstring
)

// node is one term of a compiled filter.
type node struct {
	op       op
	attr     string
	value    string
	parts    []string // substring pieces; "" at either end marks a leading/trailing wildcard
	children []*node
}

// Filter is a compiled filter expression. A nil *Filter matches everything.
type Filter struct {
	root *node
}

// Lookup returns the value stored under key.
type Lookup func(key string) (any, bool)

// Compile parses expr. An empty expression compiles to a nil filter.
func Compile(expr string) (*Filter, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, nil
	}
	p := &parser{src: []rune(trimmed)}
	root, err := p.parseFilter()
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidFilter, expr, err)
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("%w %q: trailing characters at offset %d", ErrInvalidFilter, expr, p.pos)
	}
	return &Filter{root: root}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Filter {
	f, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// Matches evaluates the filter against attrs with exact key matching.
func (f *Filter) Matches(attrs map[string]any) bool {
	return f.MatchLookup(func(key string) (any, bool) {
		v, ok := attrs[key]
		return v, ok
	})
}

// MatchesFold evaluates the filter against attrs with case-insensitive keys.
func (f *Filter) MatchesFold(attrs map[string]any) bool {
	return f.MatchLookup(func(key string) (any, bool) {
		if v, ok := attrs[key]; ok {
			return v, true
		}
		for k, v := range attrs {
			if strings.EqualFold(k, key) {
				return v, true
			}
		}
		return nil, false
	})
}

// MatchLookup evaluates the filter using an arbitrary lookup.
func (f *Filter) MatchLookup(lookup Lookup) bool {
	if f == nil || f.root == nil {
		return true
	}
	return f.root.eval(lookup)
}

// Attributes returns the attribute names referenced by the filter, in order of
// first appearance.
func (f *Filter) Attributes() []string {
	if f == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	var walk func(n *node)
	walk = func(n *node) {
		if n.attr != "" && !seen[n.attr] {
			seen[n.attr] = true
			out = append(out, n.attr)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(f.root)
	return out
}

// EqualityValue returns the literal of the first top-level equality on attr,
// descending through conjunctions only. It lets callers index requirements by
// the name they select without evaluating the filter.
func (f *Filter) EqualityValue(attr string) (string, bool) {
	if f == nil {
		return "", false
	}
	var find func(n *node) (string, bool)
	find = func(n *node) (string, bool) {
		switch n.op {
		case opEqual:
			if n.attr == attr {
				return n.value, true
			}
		case opAnd:
			for _, c := range n.children {
				if v, ok := find(c); ok {
					return v, true
				}
			}
		}
		return "", false
	}
	return find(f.root)
}

func (f *Filter) String() string {
	if f == nil || f.root == nil {
		return ""
	}
	var b strings.Builder
	f.root.write(&b)
	return b.String()
}

func (n *node) eval(lookup Lookup) bool {
	switch n.op {
	case opAnd:
		for _, c := range n.children {
			if !c.eval(lookup) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range n.children {
			if c.eval(lookup) {
				return true
			}
		}
		return false
	case opNot:
		return !n.children[0].eval(lookup)
	}

	val, ok := lookup(n.attr)
	if !ok || val == nil {
		return false
	}
	if n.op == opPresent {
		return true
	}
	return compare(n, val)
}

func (n *node) write(b *strings.Builder) {
	b.WriteByte('(')
	switch n.op {
	case opAnd, opOr, opNot:
		b.WriteByte("&|!"[n.op])
		for _, c := range n.children {
			c.write(b)
		}
	case opPresent:
		b.WriteString(n.attr)
		b.WriteString("=*")
	case opSubstring:
		b.WriteString(n.attr)
		b.WriteByte('=')
		for i, p := range n.parts {
			if i > 0 {
				b.WriteByte('*')
			}
			b.WriteString(escape(p))
		}
	default:
		b.WriteString(n.attr)
		b.WriteString([...]string{opEqual: "=", opApprox: "~=", opGreaterEqual: ">=", opLessEqual: "<="}[n.op])
		b.WriteString(escape(n.value))
	}
	b.WriteByte(')')
}

func escape(s string) string {
	if !strings.ContainsAny(s, `()*\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r == '(' || r == ')' || r == '*' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
