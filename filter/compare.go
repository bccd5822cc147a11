package filter

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/GoCodeAlone/modrt/version"
	"github.com/golobby/cast"
)

// compare evaluates a non-composite node against one attribute value.
func compare(n *node, val any) bool {
	switch v := val.(type) {
	case string:
		return compareString(n, v)
	case version.Version:
		return compareVersion(n, v)
	case *version.Version:
		return v != nil && compareVersion(n, *v)
	case []string:
		for _, s := range v {
			if compareString(n, s) {
				return true
			}
		}
		return false
	case []any:
		for _, e := range v {
			if e != nil && compare(n, e) {
				return true
			}
		}
		return false
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if e := rv.Index(i); e.CanInterface() && compare(n, e.Interface()) {
				return true
			}
		}
		return false
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return compareScalar(n, rv)
	}

	if s, ok := val.(fmt.Stringer); ok {
		return compareString(n, s.String())
	}
	return compareString(n, fmt.Sprint(val))
}

func compareString(n *node, s string) bool {
	switch n.op {
	case opEqual:
		return s == n.value
	case opApprox:
		return approx(s) == approx(n.value)
	case opGreaterEqual:
		return strings.Compare(s, n.value) >= 0
	case opLessEqual:
		return strings.Compare(s, n.value) <= 0
	case opSubstring:
		return matchSubstring(s, n.parts)
	}
	return false
}

func compareVersion(n *node, v version.Version) bool {
	if n.op == opSubstring {
		return matchSubstring(v.String(), n.parts)
	}
	lit, err := version.Parse(n.value)
	if err != nil {
		return false
	}
	c := v.Compare(lit)
	switch n.op {
	case opEqual, opApprox:
		return c == 0
	case opGreaterEqual:
		return c >= 0
	case opLessEqual:
		return c <= 0
	}
	return false
}

// compareScalar coerces the literal to the attribute's own type before comparing.
func compareScalar(n *node, rv reflect.Value) bool {
	if n.op == opSubstring {
		return matchSubstring(fmt.Sprint(rv.Interface()), n.parts)
	}
	converted, err := cast.FromType(strings.TrimSpace(n.value), rv.Type())
	if err != nil {
		return false
	}
	lit := reflect.ValueOf(converted)
	if lit.Type() != rv.Type() {
		if !lit.CanConvert(rv.Type()) {
			return false
		}
		lit = lit.Convert(rv.Type())
	}

	var c int
	switch rv.Kind() {
	case reflect.Bool:
		if n.op != opEqual && n.op != opApprox {
			return false
		}
		return rv.Bool() == lit.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		c = cmp3(rv.Int() < lit.Int(), rv.Int() > lit.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		c = cmp3(rv.Uint() < lit.Uint(), rv.Uint() > lit.Uint())
	default:
		c = cmp3(rv.Float() < lit.Float(), rv.Float() > lit.Float())
	}
	switch n.op {
	case opEqual, opApprox:
		return c == 0
	case opGreaterEqual:
		return c >= 0
	case opLessEqual:
		return c <= 0
	}
	return false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// approx folds case and drops whitespace.
func approx(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

func matchSubstring(s string, parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	first, last := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(s, first) {
		return false
	}
	s = s[len(first):]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return strings.HasSuffix(s, last)
}
