// Package matrix expands a job strategy into its concrete combinations.
package matrix

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/opnlabs/dotflow/pkg/expr"
	"github.com/opnlabs/dotflow/pkg/models"
)

// MaxCombinations caps the number of instances a single matrix may produce.
const MaxCombinations = 256

var (
	ErrEmptyAxis           = errors.New("matrix axis has no values")
	ErrTooManyCombinations = fmt.Errorf("matrix produces more than %d combinations", MaxCombinations)
	ErrInvalidMatrix       = errors.New("invalid matrix")
)

// Combination is one expanded property bag, in axis declaration order.
type Combination = models.Properties

// Expand computes the Cartesian product of the axes, drops combinations
// matching every key of an exclude entry, then applies include entries. The
// result is deterministic. A matrix without axes or includes yields a single
// empty combination.
func Expand(m models.Matrix) ([]Combination, error) {
	if m.Expr != "" {
		return nil, fmt.Errorf("%w: unresolved matrix expression %s", ErrInvalidMatrix, m.Expr)
	}

	combos := []Combination{{}}
	axisKeys := make(map[string]bool, len(m.Axes))
	for _, axis := range m.Axes {
		if axis.Expr != "" {
			return nil, fmt.Errorf("%w: unresolved expression for axis %s", ErrInvalidMatrix, axis.Name)
		}
		if len(axis.Values) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyAxis, axis.Name)
		}
		if len(combos)*len(axis.Values) > MaxCombinations {
			return nil, ErrTooManyCombinations
		}
		axisKeys[axis.Name] = true

		next := make([]Combination, 0, len(combos)*len(axis.Values))
		for _, c := range combos {
			for _, v := range axis.Values {
				nc := c.Clone()
				nc.Set(axis.Name, v)
				next = append(next, nc)
			}
		}
		combos = next
	}

	if len(m.Axes) > 0 {
		combos = exclude(combos, m.Exclude)
	}
	if len(m.Axes) == 0 && len(m.Include) > 0 {
		combos = nil
	}

	originals := len(combos)
	for _, inc := range m.Include {
		if inc.Len() == 0 {
			continue
		}
		merged := false
		if overlaps(inc, axisKeys) {
			for i := 0; i < originals; i++ {
				if matchesAxes(combos[i], inc, axisKeys) {
					merge(&combos[i], inc, axisKeys)
					merged = true
				}
			}
		}
		if !merged {
			combos = append(combos, inc.Clone())
		}
		if len(combos) > MaxCombinations {
			return nil, ErrTooManyCombinations
		}
	}

	if len(combos) == 0 {
		return nil, fmt.Errorf("%w: every combination is excluded", ErrInvalidMatrix)
	}
	return combos, nil
}

func exclude(combos []Combination, rules []models.Properties) []Combination {
	out := combos[:0:0]
	for _, c := range combos {
		drop := false
		for _, rule := range rules {
			if rule.Len() > 0 && contains(c, rule) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, c)
		}
	}
	return out
}

// contains reports whether every key of rule is present in c with an equal
// value.
func contains(c, rule models.Properties) bool {
	for _, k := range rule.Keys {
		v, ok := c.Get(k)
		if !ok || !equal(v, rule.Values[k]) {
			return false
		}
	}
	return true
}

func overlaps(inc models.Properties, axes map[string]bool) bool {
	for _, k := range inc.Keys {
		if axes[k] {
			return true
		}
	}
	return false
}

// matchesAxes reports whether the axis keys named by inc agree with c.
func matchesAxes(c, inc models.Properties, axes map[string]bool) bool {
	for _, k := range inc.Keys {
		if !axes[k] {
			continue
		}
		v, ok := c.Get(k)
		if !ok || !equal(v, inc.Values[k]) {
			return false
		}
	}
	return true
}

// merge adds the non-axis keys of inc to c. Keys added by an earlier include
// may be overwritten, axis values never are.
func merge(c *Combination, inc models.Properties, axes map[string]bool) {
	for _, k := range inc.Keys {
		if axes[k] {
			continue
		}
		c.Set(k, inc.Values[k])
	}
}

// equal compares scalars by their rendered form so 11, 11.0 and "11" from
// YAML and fromJSON agree. Composite values compare structurally.
func equal(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return reflect.DeepEqual(a, b)
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return expr.ToString(a) == expr.ToString(b)
}

// Resolve evaluates matrix and axis expressions, such as
// ${{ fromJSON(needs.setup.outputs.matrix) }}, against c and returns a
// matrix ready for Expand.
func Resolve(m models.Matrix, c *expr.Context) (models.Matrix, error) {
	if m.Expr != "" {
		v, err := expr.Evaluate(m.Expr, c)
		if err != nil {
			return m, fmt.Errorf("matrix: %w", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return m, fmt.Errorf("%w: expression must produce an object, got %T", ErrInvalidMatrix, v)
		}
		return fromObject(obj)
	}

	out := models.Matrix{Include: m.Include, Exclude: m.Exclude}
	for _, axis := range m.Axes {
		if axis.Expr != "" {
			v, err := expr.Evaluate(axis.Expr, c)
			if err != nil {
				return m, fmt.Errorf("matrix.%s: %w", axis.Name, err)
			}
			values, ok := v.([]any)
			if !ok {
				return m, fmt.Errorf("%w: matrix.%s must produce an array, got %T", ErrInvalidMatrix, axis.Name, v)
			}
			axis = models.Axis{Name: axis.Name, Values: values}
		}
		out.Axes = append(out.Axes, axis)
	}
	return out, nil
}

// fromObject builds a matrix from a decoded JSON object. JSON objects carry
// no key order, so axes and bag keys are sorted.
func fromObject(obj map[string]any) (models.Matrix, error) {
	var m models.Matrix
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case "include", "exclude":
			bags, err := toBags(obj[k])
			if err != nil {
				return m, fmt.Errorf("matrix.%s: %w", k, err)
			}
			if k == "include" {
				m.Include = bags
			} else {
				m.Exclude = bags
			}
		default:
			values, ok := obj[k].([]any)
			if !ok {
				return m, fmt.Errorf("%w: matrix.%s must be an array", ErrInvalidMatrix, k)
			}
			m.Axes = append(m.Axes, models.Axis{Name: k, Values: values})
		}
	}
	return m, nil
}

func toBags(v any) ([]models.Properties, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an array of objects", ErrInvalidMatrix)
	}
	bags := make([]models.Properties, 0, len(list))
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected an object, got %T", ErrInvalidMatrix, el)
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var p models.Properties
		for _, k := range keys {
			p.Set(k, obj[k])
		}
		bags = append(bags, p)
	}
	return bags, nil
}

// InstanceName names a job instance after its combination, e.g.
// "build (11, 5.15)". An empty combination keeps the job name.
func InstanceName(job string, c Combination) string {
	if c.Len() == 0 {
		return job
	}
	return job + " (" + c.String() + ")"
}

// InstanceID is the stable identifier of a job instance, e.g. "build-1".
// Jobs with a single empty combination keep their id.
func InstanceID(job string, index, total int, c Combination) string {
	if total <= 1 && c.Len() == 0 {
		return job
	}
	return job + "-" + strconv.Itoa(index+1)
}
