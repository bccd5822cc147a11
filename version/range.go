package version

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Range is a set of versions. It is either an interval with an inclusive or
// exclusive floor and optional ceiling, or a semver constraint expression.
type Range struct {
	floor            Version
	ceiling          *Version
	floorInclusive   bool
	ceilingInclusive bool
	constraint       *mm.Constraints
	raw              string
}

// Any matches every version.
var Any = Range{floorInclusive: true}

// ParseRange parses interval notation ("[1.0,2.0)", "(1.0,2.0]", "1.0") or,
// failing that, a semver constraint ("^1.2", "~1.4", ">=1.0 <2.0").
func ParseRange(raw string) (Range, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return Any, nil
	}

	if raw[0] == '[' || raw[0] == '(' {
		return parseInterval(raw)
	}

	if v, ok := parseDotted(raw); ok {
		return Range{floor: Version{v: v}, floorInclusive: true, raw: raw}, nil
	}

	c, err := mm.NewConstraint(raw)
	if err != nil {
		return Range{}, fmt.Errorf("%w %q: %w", ErrInvalidRange, raw, err)
	}
	return Range{constraint: c, raw: raw}, nil
}

// MustParseRange is like ParseRange but panics on error.
func MustParseRange(raw string) Range {
	r, err := ParseRange(raw)
	if err != nil {
		panic(err)
	}
	return r
}

func parseInterval(raw string) (Range, error) {
	last := raw[len(raw)-1]
	if last != ']' && last != ')' {
		return Range{}, fmt.Errorf("%w %q: missing closing bracket", ErrInvalidRange, raw)
	}
	body := raw[1 : len(raw)-1]
	left, right, ok := strings.Cut(body, ",")
	if !ok {
		return Range{}, fmt.Errorf("%w %q: expected floor,ceiling", ErrInvalidRange, raw)
	}
	floor, err := Parse(left)
	if err != nil {
		return Range{}, fmt.Errorf("%w %q: %w", ErrInvalidRange, raw, err)
	}
	ceiling, err := Parse(right)
	if err != nil {
		return Range{}, fmt.Errorf("%w %q: %w", ErrInvalidRange, raw, err)
	}
	r := Range{
		floor:            floor,
		ceiling:          &ceiling,
		floorInclusive:   raw[0] == '[',
		ceilingInclusive: last == ']',
		raw:              raw,
	}
	if r.isEmpty() {
		return Range{}, fmt.Errorf("%w %q: empty interval", ErrInvalidRange, raw)
	}
	return r, nil
}

func (r Range) isEmpty() bool {
	if r.ceiling == nil {
		return false
	}
	c := r.floor.Compare(*r.ceiling)
	if c > 0 {
		return true
	}
	return c == 0 && !(r.floorInclusive && r.ceilingInclusive)
}

// Includes reports whether v lies in the range.
func (r Range) Includes(v Version) bool {
	if r.constraint != nil {
		return r.constraint.Check(v.sem())
	}
	c := v.Compare(r.floor)
	if c < 0 || c == 0 && !r.floorInclusive {
		return false
	}
	if r.ceiling == nil {
		return true
	}
	c = v.Compare(*r.ceiling)
	return c < 0 || c == 0 && r.ceilingInclusive
}

// IsConstraint reports whether the range was given as a semver constraint and
// therefore cannot be expressed as a filter over a version attribute.
func (r Range) IsConstraint() bool { return r.constraint != nil }

// FilterString renders an interval range as an LDAP filter over attr.
func (r Range) FilterString(attr string) string {
	if r.constraint != nil {
		return ""
	}
	var b strings.Builder
	lower := fmt.Sprintf("(%s>=%s)", attr, r.floor)
	if !r.floorInclusive {
		lower = fmt.Sprintf("(!(%s<=%s))", attr, r.floor)
	}
	if r.ceiling == nil {
		return lower
	}
	upper := fmt.Sprintf("(!(%s>=%s))", attr, *r.ceiling)
	if r.ceilingInclusive {
		upper = fmt.Sprintf("(%s<=%s)", attr, *r.ceiling)
	}
	b.WriteString("(&")
	b.WriteString(lower)
	b.WriteString(upper)
	b.WriteString(")")
	return b.String()
}

func (r Range) String() string {
	if r.raw != "" {
		return r.raw
	}
	if r.constraint != nil {
		return r.constraint.String()
	}
	if r.ceiling == nil {
		return r.floor.String()
	}
	open, closing := "(", ")"
	if r.floorInclusive {
		open = "["
	}
	if r.ceilingInclusive {
		closing = "]"
	}
	return open + r.floor.String() + "," + r.ceiling.String() + closing
}
