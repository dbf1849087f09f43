package rewriter

import (
	"fmt"
	"strconv"

	"github.com/tylermcginnis/chiselstrike/internal/queryexpr"
)

// exprParser is a small precedence-climbing parser over the token stream
// produced by lexer. It only accepts the lowerable grammar:
// logical ||/&&, equality/relational comparisons, property access,
// identifiers, and literals. Any other construct (calls, ternaries,
// arithmetic, template strings, …) returns errUnlowerable, which tells the
// rewriter to leave the enclosing `.filter` call untouched.
type exprParser struct {
	lex     *lexer
	cur     token
	params  []string // lambda parameter names, in position order
}

var errUnlowerable = fmt.Errorf("rewriter: predicate is not lowerable")

func newExprParser(src string, params []string) *exprParser {
	p := &exprParser{lex: newLexer(src), params: params}
	p.advance()
	return p
}

func (p *exprParser) advance() {
	p.cur = p.lex.next()
}

// parsePredicate parses the full expression and requires it to consume the
// entire token stream; trailing tokens mean the body had statements beyond
// a single returned expression, which is not lowerable.
func (p *exprParser) parsePredicate() (queryexpr.Expr, error) {
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, errUnlowerable
	}
	return expr, nil
}

func (p *exprParser) parseOr() (queryexpr.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokPunct && p.cur.value == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = queryexpr.Binary{Op: queryexpr.Or, Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (queryexpr.Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokPunct && p.cur.value == "&&" {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = queryexpr.Binary{Op: queryexpr.And, Left: left, Right: right}
	}
	return left, nil
}

var comparisonOps = map[string]bool{
	"==": true, "===": true, "!=": true, "!==": true,
	"<": true, "<=": true, ">": true, ">=": true,
}

func (p *exprParser) parseComparison() (queryexpr.Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokPunct && comparisonOps[p.cur.value] {
		tok := p.cur.value
		p.advance()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		op, ok := queryexpr.LookupBinaryOp(tok)
		if !ok {
			return nil, errUnlowerable
		}
		left = queryexpr.Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

// parsePrimary handles parenthesised sub-expressions, literals, and
// identifier/property-access chains (e.g. `p.address.city`).
func (p *exprParser) parsePrimary() (queryexpr.Expr, error) {
	switch p.cur.kind {
	case tokPunct:
		if p.cur.value == "(" {
			p.advance()
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !(p.cur.kind == tokPunct && p.cur.value == ")") {
				return nil, errUnlowerable
			}
			p.advance()
			return p.parsePropertyChain(inner)
		}
		if p.cur.value == "!" {
			return nil, errUnlowerable
		}
		return nil, errUnlowerable
	case tokNumber:
		v, err := strconv.ParseFloat(p.cur.value, 64)
		if err != nil {
			return nil, errUnlowerable
		}
		p.advance()
		return queryexpr.Literal{Value: v}, nil
	case tokString:
		v := p.cur.value
		p.advance()
		return queryexpr.Literal{Value: v}, nil
	case tokBool:
		v := p.cur.value == "true"
		p.advance()
		return queryexpr.Literal{Value: v}, nil
	case tokIdent:
		name := p.cur.value
		p.advance()
		var base queryexpr.Expr
		if pos, ok := p.paramPosition(name); ok {
			base = queryexpr.Parameter{Position: pos}
		} else {
			base = queryexpr.Identifier{Ident: name}
		}
		return p.parsePropertyChain(base)
	default:
		return nil, errUnlowerable
	}
}

// parsePropertyChain consumes any trailing `.field` accesses on base.
func (p *exprParser) parsePropertyChain(base queryexpr.Expr) (queryexpr.Expr, error) {
	for p.cur.kind == tokPunct && p.cur.value == "." {
		p.advance()
		if p.cur.kind != tokIdent {
			return nil, errUnlowerable
		}
		field := p.cur.value
		p.advance()
		base = queryexpr.Property{Object: base, Property: field}
	}
	return base, nil
}

func (p *exprParser) paramPosition(name string) (uint32, bool) {
	for i, param := range p.params {
		if param == name {
			return uint32(i), true
		}
	}
	return 0, false
}
