package expr

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Eval evaluates a parsed expression.
func Eval(n Node, c *Context) (any, error) {
	return (&evaluator{ctx: c}).eval(n)
}

// Evaluate parses and evaluates src, which may still carry its ${{ }}
// delimiters.
func Evaluate(src string, c *Context) (any, error) {
	n, err := Parse(stripDelimiters(src))
	if err != nil {
		return nil, err
	}
	return Eval(n, c)
}

type evaluator struct {
	ctx *Context
}

// filtered marks the result of an object filter so later property accesses
// map over its elements.
type filtered []any

func (e *evaluator) eval(n Node) (any, error) {
	switch t := n.(type) {
	case *Literal:
		return t.Value, nil

	case *Ident:
		ns, ok := e.ctx.namespace(t.Name)
		if !ok {
			return nil, &UnresolvedReferenceError{Path: t.Name}
		}
		return ns, nil

	case *Property:
		target, err := e.eval(t.Target)
		if err != nil {
			return nil, err
		}
		return property(target, t.Name, t)

	case *Index:
		target, err := e.eval(t.Target)
		if err != nil {
			return nil, err
		}
		idx, err := e.eval(t.Index)
		if err != nil {
			return nil, err
		}
		return index(target, idx, t)

	case *Star:
		target, err := e.eval(t.Target)
		if err != nil {
			return nil, err
		}
		return star(target), nil

	case *Call:
		return e.call(t)

	case *Unary:
		v, err := e.eval(t.Operand)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil

	case *Binary:
		return e.binary(t)
	}
	return nil, syntaxError(0, "unknown node %T", n)
}

func property(target any, name string, n Node) (any, error) {
	switch v := target.(type) {
	case filtered:
		out := make(filtered, 0, len(v))
		for _, el := range v {
			if m, ok := el.(map[string]any); ok {
				if val, ok := lookup(m, name); ok {
					out = append(out, val)
				}
			}
		}
		return out, nil
	case map[string]any:
		if val, ok := lookup(v, name); ok {
			return val, nil
		}
	}
	return nil, &UnresolvedReferenceError{Path: n.String()}
}

// lookup matches keys case-insensitively, preferring an exact match.
func lookup(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func index(target, idx any, n Node) (any, error) {
	switch v := target.(type) {
	case []any:
		f, ok := idx.(float64)
		if !ok {
			return nil, typeError("array index must be a number in %s", n)
		}
		i := int(f)
		if i < 0 || i >= len(v) || float64(i) != f {
			return nil, &UnresolvedReferenceError{Path: n.String()}
		}
		return v[i], nil
	case filtered:
		return index([]any(v), idx, n)
	case map[string]any:
		return property(v, ToString(idx), n)
	}
	return nil, &UnresolvedReferenceError{Path: n.String()}
}

func star(target any) filtered {
	switch v := target.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(filtered, 0, len(v))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out
	case []any:
		return append(filtered(nil), v...)
	case filtered:
		var out filtered
		for _, el := range v {
			out = append(out, star(el)...)
		}
		return out
	}
	return filtered{}
}

func (e *evaluator) binary(b *Binary) (any, error) {
	left, err := e.eval(b.Left)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case "&&":
		if !Truthy(left) {
			return left, nil
		}
		return e.eval(b.Right)
	case "||":
		if Truthy(left) {
			return left, nil
		}
		return e.eval(b.Right)
	}

	right, err := e.eval(b.Right)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}
	return compare(left, right, b.Op), nil
}

// looseEqual compares case-insensitively for strings and coerces mismatched
// primitive types to numbers. Objects and arrays compare structurally.
func looseEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.EqualFold(av, bv)
		}
	case map[string]any, []any:
		return reflect.DeepEqual(a, b)
	}
	if isComposite(b) {
		return false
	}
	if sameKind(a, b) {
		if ab, ok := a.(bool); ok {
			return ab == b.(bool)
		}
		if a == nil {
			return true
		}
	}
	return ToNumber(a) == ToNumber(b)
}

func compare(a, b any, op string) bool {
	a, b = normalize(a), normalize(b)
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			as, bs = strings.ToLower(as), strings.ToLower(bs)
			switch op {
			case "<":
				return as < bs
			case "<=":
				return as <= bs
			case ">":
				return as > bs
			case ">=":
				return as >= bs
			}
		}
	}
	if isComposite(a) || isComposite(b) {
		return false
	}
	x, y := ToNumber(a), ToNumber(b)
	switch op {
	case "<":
		return x < y
	case "<=":
		return x <= y
	case ">":
		return x > y
	case ">=":
		return x >= y
	}
	return false
}

func normalize(v any) any {
	switch t := v.(type) {
	case filtered:
		return []any(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return m
	}
	return v
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any, filtered:
		return true
	}
	return false
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case nil:
		return b == nil
	}
	return false
}

// Truthy follows the usual falsy set: false, 0, -0, NaN, "" and null.
func Truthy(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case string:
		return t != ""
	}
	return true
}

// ToNumber coerces a primitive to a number the way comparisons do.
func ToNumber(v any) float64 {
	switch t := normalize(v).(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case float64:
		return t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		if strings.HasPrefix(s, "0x") {
			if n, err := strconv.ParseInt(s[2:], 16, 64); err == nil {
				return float64(n)
			}
		}
	}
	return math.NaN()
}

// ToString renders a value the way interpolation does.
func ToString(v any) string {
	switch t := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if math.IsNaN(t) {
			return "NaN"
		}
		if math.IsInf(t, 0) {
			if t > 0 {
				return "Infinity"
			}
			return "-Infinity"
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	b, err := json.MarshalIndent(normalize(v), "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}

func nan() float64 { return math.NaN() }
func inf() float64 { return math.Inf(1) }
