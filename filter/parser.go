package filter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errUnexpectedEnd = errors.New("unexpected end of filter")
	errEmptyAttr     = errors.New("missing attribute name")
)

type parser struct {
	src []rune
	pos int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n') {
		p.pos++
	}
}

func (p *parser) peek() (rune, bool) {
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *parser) expect(r rune) error {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return errUnexpectedEnd
	}
	if c != r {
		return fmt.Errorf("expected %q at offset %d, found %q", r, p.pos, c)
	}
	p.pos++
	return nil
}

func (p *parser) parseFilter() (*node, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return nil, errUnexpectedEnd
	}

	var n *node
	var err error
	switch c {
	case '&':
		p.pos++
		n, err = p.parseList(opAnd)
	case '|':
		p.pos++
		n, err = p.parseList(opOr)
	case '!':
		p.pos++
		var child *node
		child, err = p.parseFilter()
		n = &node{op: opNot, children: []*node{child}}
	default:
		n, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) parseList(o op) (*node, error) {
	n := &node{op: o}
	for {
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, errUnexpectedEnd
		}
		if c != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
	}
	if len(n.children) == 0 {
		return nil, fmt.Errorf("empty filter list at offset %d", p.pos)
	}
	return n, nil
}

func (p *parser) parseItem() (*node, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '=' || c == '~' || c == '>' || c == '<' || c == '(' || c == ')' {
			break
		}
		p.pos++
	}
	attr := strings.TrimSpace(string(p.src[start:p.pos]))
	if attr == "" {
		return nil, errEmptyAttr
	}
	if p.pos >= len(p.src) {
		return nil, errUnexpectedEnd
	}

	n := &node{attr: attr}
	switch p.src[p.pos] {
	case '=':
		n.op = opEqual
		p.pos++
	case '~', '>', '<':
		n.op = map[rune]op{'~': opApprox, '>': opGreaterEqual, '<': opLessEqual}[p.src[p.pos]]
		p.pos++
		if p.pos >= len(p.src) || p.src[p.pos] != '=' {
			return nil, fmt.Errorf("expected '=' at offset %d", p.pos)
		}
		p.pos++
	default:
		return nil, fmt.Errorf("expected operator at offset %d", p.pos)
	}

	parts, wildcard, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	switch {
	case !wildcard:
		n.value = parts[0]
	case n.op != opEqual:
		return nil, fmt.Errorf("wildcard not allowed with this operator on %q", attr)
	case len(parts) == 2 && parts[0] == "" && parts[1] == "":
		n.op = opPresent
	default:
		n.op = opSubstring
		n.parts = parts
	}
	return n, nil
}

// parseValue reads up to the closing parenthesis, splitting on unescaped '*'.
func (p *parser) parseValue() ([]string, bool, error) {
	var parts []string
	var cur strings.Builder
	wildcard := false
	for {
		if p.pos >= len(p.src) {
			return nil, false, errUnexpectedEnd
		}
		c := p.src[p.pos]
		switch c {
		case ')':
			parts = append(parts, cur.String())
			return parts, wildcard, nil
		case '(':
			return nil, false, fmt.Errorf("unescaped '(' at offset %d", p.pos)
		case '*':
			wildcard = true
			parts = append(parts, cur.String())
			cur.Reset()
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return nil, false, errUnexpectedEnd
			}
			cur.WriteRune(p.src[p.pos])
		default:
			cur.WriteRune(c)
		}
		p.pos++
	}
}
