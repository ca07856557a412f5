package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func (e *evaluator) call(c *Call) (any, error) {
	name := strings.ToLower(c.Name)

	switch name {
	case "success":
		return e.ctx.Status.Success(), nil
	case "failure":
		return e.ctx.Status.Failure, nil
	case "cancelled":
		return e.ctx.Status.Cancelled, nil
	case "always":
		return true, nil
	}

	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = normalize(v)
	}

	switch name {
	case "contains":
		if err := arity(c, args, 2, 2); err != nil {
			return nil, err
		}
		if list, ok := args[0].([]any); ok {
			for _, item := range list {
				if looseEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(strings.ToLower(ToString(args[0])), strings.ToLower(ToString(args[1]))), nil

	case "startswith":
		if err := arity(c, args, 2, 2); err != nil {
			return nil, err
		}
		return strings.HasPrefix(strings.ToLower(ToString(args[0])), strings.ToLower(ToString(args[1]))), nil

	case "endswith":
		if err := arity(c, args, 2, 2); err != nil {
			return nil, err
		}
		return strings.HasSuffix(strings.ToLower(ToString(args[0])), strings.ToLower(ToString(args[1]))), nil

	case "format":
		if err := arity(c, args, 1, -1); err != nil {
			return nil, err
		}
		return format(ToString(args[0]), args[1:])

	case "join":
		if err := arity(c, args, 1, 2); err != nil {
			return nil, err
		}
		sep := ","
		if len(args) == 2 {
			sep = ToString(args[1])
		}
		list, ok := args[0].([]any)
		if !ok {
			return ToString(args[0]), nil
		}
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = ToString(v)
		}
		return strings.Join(parts, sep), nil

	case "tojson":
		if err := arity(c, args, 1, 1); err != nil {
			return nil, err
		}
		b, err := json.MarshalIndent(args[0], "", "  ")
		if err != nil {
			return nil, typeError("toJSON: %v", err)
		}
		return string(b), nil

	case "fromjson":
		if err := arity(c, args, 1, 1); err != nil {
			return nil, err
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, typeError("fromJSON expects a string, got %T", args[0])
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, typeError("fromJSON: %v", err)
		}
		return v, nil

	case "hashfiles":
		if err := arity(c, args, 1, -1); err != nil {
			return nil, err
		}
		patterns := make([]string, len(args))
		for i, a := range args {
			s, ok := a.(string)
			if !ok {
				return nil, typeError("hashFiles expects string patterns, got %T", a)
			}
			patterns[i] = s
		}
		return HashFiles(e.ctx.Workspace, patterns...)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, c.Name)
}

func arity(c *Call, args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return typeError("%s() called with %d arguments", c.Name, len(args))
	}
	return nil
}

// format replaces {N} placeholders; {{ and }} are literal braces.
func format(f string, args []any) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(f); i++ {
		c := f[i]
		switch {
		case c == '{' && i+1 < len(f) && f[i+1] == '{':
			sb.WriteByte('{')
			i++
		case c == '}' && i+1 < len(f) && f[i+1] == '}':
			sb.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(f[i:], '}')
			if end < 0 {
				return "", typeError("format: unclosed placeholder in %q", f)
			}
			n, err := strconv.Atoi(f[i+1 : i+end])
			if err != nil || n < 0 || n >= len(args) {
				return "", typeError("format: invalid placeholder %q", f[i:i+end+1])
			}
			sb.WriteString(ToString(args[n]))
			i += end
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}
