package rewriter

import (
	"strings"

	"github.com/tylermcginnis/chiselstrike/internal/queryexpr"
)

// lowerPredicate splits a `.filter` argument into its lambda parameter
// list and body, then attempts to lower the body with exprParser. It
// returns the original predicate source unchanged (kept as the call's
// first argument) alongside the lowered tree. ok is
// false whenever the argument isn't a recognisable arrow/function
// predicate or any operand falls outside the lowerable grammar.
func lowerPredicate(argSrc string) (expr queryexpr.Expr, predSrc string, ok bool) {
	params, bodySrc, isArrow := splitLambda(argSrc)
	if !isArrow {
		return nil, "", false
	}
	p := newExprParser(bodySrc, params)
	lowered, err := p.parsePredicate()
	if err != nil {
		return nil, "", false
	}
	return lowered, argSrc, true
}

// splitLambda recognises `p => body`, `(p1, p2) => body`, and
// `function(p1, p2) { return body; }` shapes, returning the parameter
// names in position order and the body expression source. Anything else
// (default parameters, destructuring, a block body with more than a bare
// return) is reported as not-a-lambda so the caller leaves the call site
// untouched.
func splitLambda(src string) (params []string, body string, ok bool) {
	src = strings.TrimSpace(src)

	if strings.HasPrefix(src, "function") {
		rest := strings.TrimSpace(src[len("function"):])
		rest = strings.TrimPrefix(rest, "(")
		argsEnd := strings.Index(rest, ")")
		if argsEnd < 0 {
			return nil, "", false
		}
		paramList := rest[:argsEnd]
		if strings.ContainsAny(paramList, "=(){}[]") {
			return nil, "", false
		}
		rest = strings.TrimSpace(rest[argsEnd+1:])
		if !strings.HasPrefix(rest, "{") || !strings.HasSuffix(rest, "}") {
			return nil, "", false
		}
		block := strings.TrimSpace(rest[1 : len(rest)-1])
		if !strings.HasPrefix(block, "return") {
			return nil, "", false
		}
		block = strings.TrimPrefix(block, "return")
		block = strings.TrimSpace(block)
		block = strings.TrimSuffix(block, ";")
		return splitParams(paramList), strings.TrimSpace(block), true
	}

	arrowIdx := strings.Index(src, "=>")
	if arrowIdx < 0 {
		return nil, "", false
	}
	head := strings.TrimSpace(src[:arrowIdx])
	bodySrc := strings.TrimSpace(src[arrowIdx+2:])

	head = strings.TrimPrefix(head, "(")
	head = strings.TrimSuffix(head, ")")
	if strings.ContainsAny(head, "=(){}[]") {
		return nil, "", false
	}

	if strings.HasPrefix(bodySrc, "{") {
		if !strings.HasSuffix(bodySrc, "}") {
			return nil, "", false
		}
		block := strings.TrimSpace(bodySrc[1 : len(bodySrc)-1])
		if !strings.HasPrefix(block, "return") {
			return nil, "", false
		}
		block = strings.TrimPrefix(block, "return")
		block = strings.TrimSpace(block)
		block = strings.TrimSuffix(block, ";")
		bodySrc = strings.TrimSpace(block)
	}

	return splitParams(head), bodySrc, true
}

func splitParams(paramList string) []string {
	paramList = strings.TrimSpace(paramList)
	if paramList == "" {
		return nil
	}
	parts := strings.Split(paramList, ",")
	params := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		// Strip a type annotation (`p: Type`) left over from the typed
		// dialect in case lowering runs before ScriptCompiler strips it.
		if colon := strings.Index(p, ":"); colon >= 0 {
			p = strings.TrimSpace(p[:colon])
		}
		if p != "" {
			params = append(params, p)
		}
	}
	return params
}
