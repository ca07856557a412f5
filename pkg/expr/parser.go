package expr

import "strings"

// Parse turns an expression (without the ${{ }} delimiters) into a tree.
func Parse(src string) (Node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxError(t.pos, "unexpected %q", t.text)
	}
	return n, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(punct ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokPunct {
		return "", false
	}
	for _, s := range punct {
		if t.text == s {
			p.pos++
			return s, true
		}
	}
	return "", false
}

func (p *parser) expect(punct string) error {
	if _, ok := p.accept(punct); !ok {
		t := p.peek()
		return syntaxError(t.pos, "expected %q, found %q", punct, t.text)
	}
	return nil
}

func (p *parser) or() (Node, error) {
	return p.binary(p.and, "||")
}

func (p *parser) and() (Node, error) {
	return p.binary(p.equality, "&&")
}

func (p *parser) equality() (Node, error) {
	return p.binary(p.comparison, "==", "!=")
}

func (p *parser) comparison() (Node, error) {
	return p.binary(p.unary, "<", "<=", ">", ">=")
}

func (p *parser) binary(operand func() (Node, error), ops ...string) (Node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(ops...)
		if !ok {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) unary() (Node, error) {
	if _, ok := p.accept("!"); ok {
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "!", Operand: operand}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (Node, error) {
	n, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("."); ok {
			t := p.next()
			switch {
			case t.kind == tokIdent:
				n = &Property{Target: n, Name: t.text}
			case t.kind == tokPunct && t.text == "*":
				n = &Star{Target: n}
			default:
				return nil, syntaxError(t.pos, "expected property name after '.'")
			}
			continue
		}
		if _, ok := p.accept("["); ok {
			if _, ok := p.accept("*"); ok {
				if err := p.expect("]"); err != nil {
					return nil, err
				}
				n = &Star{Target: n}
				continue
			}
			idx, err := p.or()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			if lit, ok := idx.(*Literal); ok {
				if s, ok := lit.Value.(string); ok {
					n = &Property{Target: n, Name: s}
					continue
				}
			}
			n = &Index{Target: n, Index: idx}
			continue
		}
		return n, nil
	}
}

func (p *parser) primary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber, tokString:
		return &Literal{Value: t.value}, nil

	case tokIdent:
		switch t.text {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		case "null":
			return &Literal{Value: nil}, nil
		case "NaN":
			return &Literal{Value: nan()}, nil
		case "Infinity":
			return &Literal{Value: inf()}, nil
		}
		if _, ok := p.accept("("); ok {
			return p.call(t.text)
		}
		return &Ident{Name: strings.ToLower(t.text)}, nil

	case tokPunct:
		if t.text == "(" {
			n, err := p.or()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
	case tokEOF:
		return nil, syntaxError(t.pos, "unexpected end of expression")
	}
	return nil, syntaxError(t.pos, "unexpected %q", t.text)
}

func (p *parser) call(name string) (Node, error) {
	c := &Call{Name: name}
	if _, ok := p.accept(")"); ok {
		return c, nil
	}
	for {
		arg, err := p.or()
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, arg)
		if _, ok := p.accept(","); ok {
			continue
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return c, nil
	}
}
