package filter

import "strings"

// Split separates the top-level conjuncts of e that SQLite can evaluate on
// indexed columns from the residual that needs the decrypted payload.
// Match(e, row) == Match(And(pushed), row) && Match(residual, row).
func Split(e Expr) (pushed []Expr, residual Expr) {
	if e == nil {
		return nil, nil
	}
	and, ok := e.(And)
	if !ok {
		if pushable(e) {
			return []Expr{e}, nil
		}
		return nil, e
	}

	var rest []Expr
	for _, child := range and.Exprs {
		if pushable(child) {
			pushed = append(pushed, child)
			continue
		}
		if nested, ok := child.(And); ok {
			p, r := Split(nested)
			pushed = append(pushed, p...)
			if r != nil {
				rest = append(rest, r)
			}
			continue
		}
		rest = append(rest, child)
	}
	switch len(rest) {
	case 0:
		return pushed, nil
	case 1:
		return pushed, rest[0]
	default:
		return pushed, And{Exprs: rest}
	}
}

// Only string comparisons are pushed: SQLite would coerce a number compared
// against a TEXT column, which Match does not.
func pushable(e Expr) bool {
	switch n := e.(type) {
	case Compare:
		if !n.Field.IsColumn() || n.Op.isLike() {
			return false
		}
		_, ok := n.Value.(string)
		return ok
	case In:
		if !n.Field.IsColumn() {
			return false
		}
		for _, v := range n.Values {
			if _, ok := v.(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

var sqlOps = map[Op]string{OpEq: "=", OpNe: "<>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">="}

// ToSQL renders pushed conjuncts as a WHERE fragment over the given table
// alias. It returns "" when there is nothing to push.
func ToSQL(pushed []Expr, alias string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	for _, e := range pushed {
		switch n := e.(type) {
		case Compare:
			clauses = append(clauses, alias+"."+n.Field.column+" "+sqlOps[n.Op]+" ?")
			args = append(args, n.Value)
		case In:
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(n.Values)), ", ")
			kw := " IN "
			if n.Negate {
				kw = " NOT IN "
			}
			clauses = append(clauses, alias+"."+n.Field.column+kw+"("+marks+")")
			args = append(args, n.Values...)
		}
	}
	return strings.Join(clauses, " AND "), args
}
