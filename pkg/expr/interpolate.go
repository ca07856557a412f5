package expr

import (
	"fmt"
	"strings"
)

// Interpolate replaces every ${{ }} in s with the rendered value. Unresolved
// references are errors.
func Interpolate(s string, c *Context) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])

		end := closingBraces(rest[start+3:])
		if end < 0 {
			return "", syntaxError(len(s)-len(rest)+start, "unterminated ${{")
		}
		src := rest[start+3 : start+3+end]
		v, err := Evaluate(src, c)
		if err != nil {
			return "", err
		}
		sb.WriteString(ToString(v))
		rest = rest[start+3+end+2:]
	}
}

// closingBraces finds the }} that closes an expression, skipping quoted
// strings.
func closingBraces(s string) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'':
			quoted = !quoted
		case !quoted && s[i] == '}' && i+1 < len(s) && s[i+1] == '}':
			return i
		}
	}
	return -1
}

// Condition evaluates an `if:` value. An empty condition is success(). A
// condition without a status function is guarded by success(). Errors,
// including unresolved references, make the condition false.
func Condition(src string, c *Context) (bool, error) {
	src = strings.TrimSpace(stripDelimiters(src))
	if src == "" {
		src = "success()"
	}

	n, err := Parse(src)
	if err != nil {
		return false, err
	}
	if !HasStatusFunction(n) {
		n = &Binary{Op: "&&", Left: &Call{Name: "success"}, Right: n}
	}

	v, err := Eval(n, c)
	if err != nil {
		return false, fmt.Errorf("if: %s: %w", src, err)
	}
	return Truthy(v), nil
}

// stripDelimiters removes one pair of ${{ }} wrapping the whole string.
func stripDelimiters(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "${{") && strings.HasSuffix(t, "}}") && closingBraces(t[3:]) == len(t)-5 {
		return strings.TrimSpace(t[3 : len(t)-2])
	}
	return s
}

// IsExpression reports whether s is a single ${{ }} expression.
func IsExpression(s string) bool {
	return stripDelimiters(s) != s
}
