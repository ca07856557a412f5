package expr

import (
	"strconv"
	"strings"
)

// Node is one node of a parsed expression.
type Node interface {
	String() string
}

type (
	// Literal is a string, number, boolean or null constant.
	Literal struct {
		Value any
	}

	// Ident is a root context name such as github or steps.
	Ident struct {
		Name string
	}

	// Property is a member access, a.b or a['b'].
	Property struct {
		Target Node
		Name   string
	}

	// Index is a computed access, a[expr].
	Index struct {
		Target Node
		Index  Node
	}

	// Star is the object filter a.*, which maps the rest of the path over
	// every element.
	Star struct {
		Target Node
	}

	Call struct {
		Name string
		Args []Node
	}

	Unary struct {
		Op      string
		Operand Node
	}

	Binary struct {
		Op          string
		Left, Right Node
	}
)

func (n *Literal) String() string {
	switch v := n.Value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "?"
}

func (n *Ident) String() string    { return n.Name }
func (n *Property) String() string { return n.Target.String() + "." + n.Name }
func (n *Index) String() string    { return n.Target.String() + "[" + n.Index.String() + "]" }
func (n *Star) String() string     { return n.Target.String() + ".*" }
func (n *Unary) String() string    { return n.Op + n.Operand.String() }

func (n *Call) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return n.Name + "(" + strings.Join(args, ", ") + ")"
}

func (n *Binary) String() string {
	return "(" + n.Left.String() + " " + n.Op + " " + n.Right.String() + ")"
}

// statusFunctions are the calls that opt a condition out of the implicit
// success() guard.
var statusFunctions = map[string]bool{
	"success":   true,
	"failure":   true,
	"always":    true,
	"cancelled": true,
}

// HasStatusFunction reports whether the tree calls success(), failure(),
// always() or cancelled().
func HasStatusFunction(n Node) bool {
	switch t := n.(type) {
	case *Call:
		if statusFunctions[strings.ToLower(t.Name)] {
			return true
		}
		for _, a := range t.Args {
			if HasStatusFunction(a) {
				return true
			}
		}
	case *Property:
		return HasStatusFunction(t.Target)
	case *Index:
		return HasStatusFunction(t.Target) || HasStatusFunction(t.Index)
	case *Star:
		return HasStatusFunction(t.Target)
	case *Unary:
		return HasStatusFunction(t.Operand)
	case *Binary:
		return HasStatusFunction(t.Left) || HasStatusFunction(t.Right)
	}
	return false
}
