package filter

import (
	"regexp"
	"strings"
)

// Row is what an Expr is evaluated against: the entity's metadata columns
// and its decrypted payload.
type Row struct {
	Columns map[string]string
	Data    map[string]any
}

// Match reports whether row satisfies e. A nil Expr matches every row.
// Callers are expected to Validate e first; invalid nodes never match.
func Match(e Expr, row Row) bool {
	switch n := e.(type) {
	case nil:
		return true
	case Compare:
		v, ok := resolve(n.Field, row)
		return compareValue(n.Op, v, ok, n.Value)
	case In:
		v, ok := resolve(n.Field, row)
		found := false
		if ok {
			for _, want := range n.Values {
				if equal(v, want) {
					found = true
					break
				}
			}
		}
		return found != n.Negate
	case And:
		for _, child := range n.Exprs {
			if !Match(child, row) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range n.Exprs {
			if Match(child, row) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func resolve(f Field, row Row) (any, bool) {
	if f.IsColumn() {
		v, ok := row.Columns[f.column]
		return v, ok
	}
	var cur any = row.Data
	for _, seg := range f.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compareValue(op Op, got any, present bool, want any) bool {
	switch op {
	case OpEq:
		if !present {
			return want == nil
		}
		return equal(got, want)
	case OpNe:
		if !present {
			return want != nil
		}
		return !equal(got, want)
	case OpLt, OpLe, OpGt, OpGe:
		if !present {
			return false
		}
		c, ok := order(got, want)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return c < 0
		case OpLe:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpLike, OpILike:
		s, ok := got.(string)
		return present && ok && like(s, want.(string), op == OpILike)
	case OpNotLike, OpNotILike:
		s, ok := got.(string)
		return present && ok && !like(s, want.(string), op == OpNotILike)
	default:
		return false
	}
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	default:
		return false
	}
}

func order(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

// like implements SQL LIKE: % is any run, _ is one character. A pattern
// without % is treated as a substring search.
func like(s, pattern string, insensitive bool) bool {
	return likePattern(pattern, insensitive).MatchString(s)
}

func likePattern(pattern string, insensitive bool) *regexp.Regexp {
	if !strings.Contains(pattern, "%") {
		pattern = "%" + pattern + "%"
	}
	var b strings.Builder
	b.WriteString("(?s)")
	if insensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Lookup resolves f against row.
func Lookup(f Field, row Row) (any, bool) {
	return resolve(f, row)
}

// CompareValues orders two scalars of the same kind. Values of different
// kinds, and booleans, are not ordered and report ok == false.
func CompareValues(a, b any) (c int, ok bool) {
	return order(a, b)
}
