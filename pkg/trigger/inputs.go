package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opnlabs/dotflow/pkg/models"
)

// Inputs validates given against the declared inputs, applies defaults and
// coerces every value to its declared type.
func Inputs(declared map[string]models.Input, given map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(declared))

	var unknown []string
	for name := range given {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unexpected inputs %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}

	for name, in := range declared {
		v, ok := given[name]
		if !ok || v == nil {
			if in.Required && in.Default == nil {
				return nil, fmt.Errorf("%w: required input %s not provided", ErrInvalidInput, name)
			}
			v = in.Default
		}
		if v == nil {
			v = zero(in.Type)
		}
		c, err := coerce(in, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, name, err)
		}
		out[name] = c
	}
	return out, nil
}

func zero(typ string) any {
	switch typ {
	case "boolean":
		return false
	case "number":
		return 0.0
	}
	return ""
}

func coerce(in models.Input, v any) (any, error) {
	switch in.Type {
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", t)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", v)
	case "number":
		switch t := v.(type) {
		case int:
			return float64(t), nil
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", t)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%v is not a number", v)
	case "choice":
		s := fmt.Sprint(v)
		if !contains(in.Options, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(in.Options, ", "))
		}
		return s, nil
	}
	return fmt.Sprint(v), nil
}
