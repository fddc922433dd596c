// Package filter is the query language for vault entities.
//
// An Expr is a sealed tagged union: only the node types in this package
// implement it, so interpreters can switch exhaustively. Constructors check
// their arguments immediately; an invalid constructor call yields a node that
// makes Validate fail, so a bad filter is reported before any row is read.
//
// Fields name either an indexed metadata column (id, created_at, created_by,
// updated_at, updated_by) or a path into the decrypted payload written as
// "/data/a/b".
package filter

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/vaultsync/internal/common"
)

// Expr is a filter node.
type Expr interface {
	exprNode()
}

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota + 1
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpLike
	OpNotLike
	OpILike
	OpNotILike
)

var opNames = map[Op]string{
	OpEq: "$equal", OpNe: "$notEqual",
	OpLt: "$less", OpLe: "$lessEqual", OpGt: "$greater", OpGe: "$greaterEqual",
	OpLike: "$like", OpNotLike: "$notLike", OpILike: "$iLike", OpNotILike: "$notILike",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

func (o Op) isLike() bool {
	return o == OpLike || o == OpNotLike || o == OpILike || o == OpNotILike
}

func (o Op) isOrdering() bool {
	return o == OpLt || o == OpLe || o == OpGt || o == OpGe
}

// Indexed metadata columns.
const (
	ColumnID        = "id"
	ColumnCreatedAt = "created_at"
	ColumnCreatedBy = "created_by"
	ColumnUpdatedAt = "updated_at"
	ColumnUpdatedBy = "updated_by"
)

var columns = map[string]struct{}{
	ColumnID: {}, ColumnCreatedAt: {}, ColumnCreatedBy: {}, ColumnUpdatedAt: {}, ColumnUpdatedBy: {},
}

const dataPrefix = "/data/"

// Field addresses a column or a payload path.
type Field struct {
	column string
	path   []string
}

// ParseField accepts a column name or a "/data/..." path.
func ParseField(s string) (Field, error) {
	if strings.HasPrefix(s, dataPrefix) {
		rest := strings.TrimPrefix(s, dataPrefix)
		segs := strings.Split(rest, "/")
		for _, seg := range segs {
			if seg == "" {
				return Field{}, invalidf("empty segment in data path %q", s)
			}
		}
		return Field{path: segs}, nil
	}
	if _, ok := columns[s]; ok {
		return Field{column: s}, nil
	}
	return Field{}, invalidf("unknown field %q", s)
}

// IsColumn reports whether f is an indexed metadata column.
func (f Field) IsColumn() bool { return f.column != "" }

// Column returns the column name, or "" for data paths.
func (f Field) Column() string { return f.column }

// Path returns the payload path segments, or nil for columns.
func (f Field) Path() []string { return f.path }

func (f Field) String() string {
	if f.IsColumn() {
		return f.column
	}
	return dataPrefix + strings.Join(f.path, "/")
}

func (f Field) valid() bool { return f.column != "" || len(f.path) > 0 }

// Compare tests one field against a scalar value.
type Compare struct {
	Field Field
	Op    Op
	Value any
}

// In tests field membership in a set of scalars.
type In struct {
	Field  Field
	Values []any
	Negate bool
}

// And holds when every child holds. An empty And matches everything.
type And struct {
	Exprs []Expr
}

// Or holds when any child holds. An empty Or matches nothing.
type Or struct {
	Exprs []Expr
}

// invalid is produced by constructors given bad arguments.
type invalid struct {
	err error
}

func (Compare) exprNode() {}
func (In) exprNode()      {}
func (And) exprNode()     {}
func (Or) exprNode()      {}
func (invalid) exprNode() {}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: filter: %s", common.ErrInvalidOrCorruptedData, fmt.Sprintf(format, args...))
}

func compare(field string, op Op, v any) Expr {
	f, err := ParseField(field)
	if err != nil {
		return invalid{err: err}
	}
	c := Compare{Field: f, Op: op, Value: normalize(v)}
	if err := c.check(); err != nil {
		return invalid{err: err}
	}
	return c
}

func Eq(field string, v any) Expr         { return compare(field, OpEq, v) }
func Ne(field string, v any) Expr         { return compare(field, OpNe, v) }
func Lt(field string, v any) Expr         { return compare(field, OpLt, v) }
func Le(field string, v any) Expr         { return compare(field, OpLe, v) }
func Gt(field string, v any) Expr         { return compare(field, OpGt, v) }
func Ge(field string, v any) Expr         { return compare(field, OpGe, v) }
func Like(field, pattern string) Expr     { return compare(field, OpLike, pattern) }
func NotLike(field, pattern string) Expr  { return compare(field, OpNotLike, pattern) }
func ILike(field, pattern string) Expr    { return compare(field, OpILike, pattern) }
func NotILike(field, pattern string) Expr { return compare(field, OpNotILike, pattern) }

// InValues builds a membership test.
func InValues(field string, values ...any) Expr { return in(field, values, false) }

// NotIn builds a negated membership test.
func NotIn(field string, values ...any) Expr { return in(field, values, true) }

func in(field string, values []any, negate bool) Expr {
	f, err := ParseField(field)
	if err != nil {
		return invalid{err: err}
	}
	norm := make([]any, len(values))
	for i, v := range values {
		norm[i] = normalize(v)
	}
	n := In{Field: f, Values: norm, Negate: negate}
	if err := n.check(); err != nil {
		return invalid{err: err}
	}
	return n
}

func AllOf(exprs ...Expr) Expr { return And{Exprs: exprs} }
func AnyOf(exprs ...Expr) Expr { return Or{Exprs: exprs} }

// Validate walks e and returns the first problem found. A nil Expr is valid
// and matches everything.
func Validate(e Expr) error {
	switch n := e.(type) {
	case nil:
		return nil
	case invalid:
		return n.err
	case Compare:
		return n.check()
	case In:
		return n.check()
	case And:
		return validateAll(n.Exprs)
	case Or:
		return validateAll(n.Exprs)
	default:
		return invalidf("unsupported node %T", e)
	}
}

func validateAll(exprs []Expr) error {
	for _, child := range exprs {
		if child == nil {
			return invalidf("nil child expression")
		}
		if err := Validate(child); err != nil {
			return err
		}
	}
	return nil
}

func (c Compare) check() error {
	if !c.Field.valid() {
		return invalidf("missing field")
	}
	if _, ok := opNames[c.Op]; !ok {
		return invalidf("unknown operator %d", int(c.Op))
	}
	switch v := c.Value.(type) {
	case nil:
		if c.Op != OpEq && c.Op != OpNe {
			return invalidf("%s on %s needs a value", c.Op, c.Field)
		}
	case string:
	case float64:
		if c.Op.isLike() {
			return invalidf("%s on %s needs a string pattern", c.Op, c.Field)
		}
	case bool:
		if c.Op.isLike() || c.Op.isOrdering() {
			return invalidf("%s on %s cannot take a boolean", c.Op, c.Field)
		}
	default:
		return invalidf("unsupported value %T for %s", v, c.Field)
	}
	return nil
}

func (n In) check() error {
	if !n.Field.valid() {
		return invalidf("missing field")
	}
	if len(n.Values) == 0 {
		return invalidf("membership test on %s needs at least one value", n.Field)
	}
	for _, v := range n.Values {
		switch v.(type) {
		case string, float64, bool:
		default:
			return invalidf("unsupported value %T in membership test on %s", v, n.Field)
		}
	}
	return nil
}

// normalize folds Go numeric types into float64 to match decoded JSON.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
