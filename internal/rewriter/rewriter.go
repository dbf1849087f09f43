// Package rewriter implements the compile-time AST pass that lowers
// `X.filter(predicate)` calls into `X.__filterWithExpression(predicate, expr)`
// calls, where expr is a serialised queryexpr.Expr tree. See
// internal/queryexpr for the tree shape.
//
// The pass works directly over source text rather than a general-purpose
// JS AST: it locates `<collection>.filter(` call sites with a balanced-
// paren scan, lexes and parses only the predicate argument with the
// narrow grammar in parser.go, and splices the lowered tree back in as a
// second argument. Lowering never rewrites a call in place — an
// unlowerable predicate is left byte-for-byte untouched, which is what
// gives the pass its no-partial-lowering and idempotence guarantees: a
// second pass finds no lowerable `.filter(` call site left, because the
// first pass renamed every lowerable one and left the rest as they were.
package rewriter

import (
	"strings"

	"github.com/tylermcginnis/chiselstrike/internal/queryexpr"
)

// Rewriter applies the filter-lowering pass to a whole module's source.
type Rewriter struct {
	symbols *Symbols
}

// New creates a Rewriter that only lowers `.filter` calls on identifiers
// present in symbols.
func New(symbols *Symbols) *Rewriter {
	return &Rewriter{symbols: symbols}
}

// Rewrite scans source for lowerable `.filter` calls and returns the
// transformed text. changed reports whether any call site was rewritten;
// when false, out == source.
func (r *Rewriter) Rewrite(source string) (out string, changed bool) {
	var b strings.Builder
	i := 0
	for {
		site, ok := findFilterCall(source, i, r.symbols)
		if !ok {
			b.WriteString(source[i:])
			break
		}
		b.WriteString(source[i:site.calleeStart])

		lowered, predSrc, ok := lowerPredicate(site.argSrc)
		if !ok {
			// Not lowerable: emit the original call site verbatim.
			b.WriteString(source[site.calleeStart:site.callEnd])
			i = site.callEnd
			continue
		}

		b.WriteString(site.receiver)
		b.WriteString(".__filterWithExpression(")
		b.WriteString(predSrc)
		b.WriteString(", ")
		b.WriteString(queryexpr.EncodeJS(lowered))
		b.WriteString(")")
		i = site.callEnd
		changed = true
	}
	return b.String(), changed
}

type filterSite struct {
	receiver    string // the collection identifier, e.g. "Users"
	calleeStart int    // index of the receiver identifier's first byte
	callEnd     int     // index just past the call's closing ')'
	argSrc      string  // raw predicate source (the sole argument)
}

// findFilterCall scans source starting at "from" for the next
// "<ident>.filter(" call site whose receiver resolves via symbols. It
// returns false once no more candidate sites exist.
func findFilterCall(source string, from int, symbols *Symbols) (filterSite, bool) {
	for idx := from; idx < len(source); {
		ident, identStart, next, ok := scanIdentFollowedByFilterCall(source, idx)
		if !ok {
			return filterSite{}, false
		}
		if !symbols.IsCollection(ident) {
			idx = next
			continue
		}
		argStart := next
		argEnd, callEnd, ok := scanBalancedArgs(source, argStart)
		if !ok {
			idx = next
			continue
		}
		return filterSite{
			receiver:    ident,
			calleeStart: identStart,
			callEnd:     callEnd,
			argSrc:      strings.TrimSpace(source[argStart:argEnd]),
		}, true
	}
	return filterSite{}, false
}

// scanIdentFollowedByFilterCall finds the next occurrence of an identifier
// immediately followed by ".filter(" and returns the identifier text, its
// start offset, and the offset just past the opening '(' of the call.
func scanIdentFollowedByFilterCall(source string, from int) (ident string, identStart, afterOpenParen int, ok bool) {
	const needle = ".filter("
	for {
		idx := strings.Index(source[from:], needle)
		if idx < 0 {
			return "", 0, 0, false
		}
		dotPos := from + idx
		identEnd := dotPos
		identStart = identEnd
		for identStart > 0 && isIdentRune(rune(source[identStart-1])) {
			identStart--
		}
		if identStart == identEnd || (identStart > 0 && source[identStart-1] == '.') {
			// No bare-identifier receiver (e.g. a call-expression result
			// or the tail of a property chain); keep scanning past this site.
			from = dotPos + len(needle)
			continue
		}
		return source[identStart:identEnd], identStart, dotPos + len(needle), true
	}
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// scanBalancedArgs scans forward from just after the call's opening '('
// (already consumed by the needle match) and returns the offset of the
// matching top-level ')' (argEnd, exclusive of the args) and the offset
// just past it (callEnd). Nested parens/brackets/braces and string/template
// literals are tracked so commas and parens inside the predicate body
// don't confuse the scan.
func scanBalancedArgs(source string, start int) (argEnd, callEnd int, ok bool) {
	depth := 1
	i := start
	for i < len(source) {
		c := source[i]
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				if c != ')' {
					return 0, 0, false
				}
				return i, i + 1, true
			}
		case '"', '\'', '`':
			i = skipStringLiteral(source, i)
			continue
		}
		i++
	}
	return 0, 0, false
}

func skipStringLiteral(source string, start int) int {
	quote := source[start]
	i := start + 1
	for i < len(source) {
		if source[i] == '\\' {
			i += 2
			continue
		}
		if source[i] == quote {
			return i + 1
		}
		i++
	}
	return i
}
