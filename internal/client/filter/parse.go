package filter

import (
	"encoding/json"
	"sort"
	"strings"
)

var opByName = func() map[string]Op {
	m := make(map[string]Op, len(opNames))
	for op, name := range opNames {
		m[name] = op
	}
	return m
}()

// Parse converts the JSON where-clause form into an Expr:
//
//	{
//	  "created_by": "device-1",
//	  "/data/name": {"$like": "ali"},
//	  "$or": [{"/data/age": {"$greater": 30}}, {"id": {"$in": ["a", "b"]}}]
//	}
//
// Keys of one object are combined with And. A bare value is shorthand for
// $equal. The result has already been validated.
func Parse(data []byte) (Expr, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalidf("where clause is not a JSON object: %v", err)
	}
	e, err := parseObject(raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

func parseObject(obj map[string]any) (Expr, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var exprs []Expr
	for _, key := range keys {
		val := obj[key]
		switch key {
		case "$and", "$or":
			children, err := parseList(key, val)
			if err != nil {
				return nil, err
			}
			if key == "$and" {
				exprs = append(exprs, And{Exprs: children})
			} else {
				exprs = append(exprs, Or{Exprs: children})
			}
		default:
			if strings.HasPrefix(key, "$") {
				return nil, invalidf("unknown combinator %q", key)
			}
			leaves, err := parseField(key, val)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, leaves...)
		}
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return And{Exprs: exprs}, nil
}

func parseList(key string, val any) ([]Expr, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, invalidf("%s expects an array", key)
	}
	out := make([]Expr, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, invalidf("%s items must be objects", key)
		}
		e, err := parseObject(obj)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func parseField(field string, val any) ([]Expr, error) {
	ops, ok := val.(map[string]any)
	if !ok {
		return []Expr{Eq(field, val)}, nil
	}
	if len(ops) == 0 {
		return nil, invalidf("no operator for %q", field)
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Expr, 0, len(names))
	for _, name := range names {
		arg := ops[name]
		switch name {
		case "$in", "$notIn":
			values, ok := arg.([]any)
			if !ok {
				return nil, invalidf("%s on %q expects an array", name, field)
			}
			out = append(out, in(field, values, name == "$notIn"))
		default:
			op, ok := opByName[name]
			if !ok {
				return nil, invalidf("unknown operator %q on %q", name, field)
			}
			out = append(out, compare(field, op, arg))
		}
	}
	return out, nil
}
