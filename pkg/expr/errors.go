package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrExpression is wrapped by every error the evaluator produces.
	ErrExpression          = errors.New("expression error")
	ErrUnresolvedReference = fmt.Errorf("%w: unresolved reference", ErrExpression)
	ErrTypeMismatch        = fmt.Errorf("%w: type mismatch", ErrExpression)
	ErrSyntax              = fmt.Errorf("%w: syntax error", ErrExpression)
	ErrUnknownFunction     = fmt.Errorf("%w: unknown function", ErrExpression)
)

// UnresolvedReferenceError names the path that could not be resolved, e.g.
// steps.make.outputs when step make has not run yet.
type UnresolvedReferenceError struct {
	Path string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q", e.Path)
}

func (e *UnresolvedReferenceError) Unwrap() error { return ErrUnresolvedReference }

func syntaxError(pos int, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, pos, fmt.Sprintf(format, args...))
}

func typeError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeMismatch, fmt.Sprintf(format, args...))
}
