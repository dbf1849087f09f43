package compiler

import "github.com/tylermcginnis/chiselstrike/internal/rewriter"

// Pipeline composes the query rewriter with the type-erasing Compiler
// into the single endpoint.Compiler the loader consumes. The rewrite
// runs first, on the raw user source, before type stripping.
type Pipeline struct {
	Rewriter *rewriter.Rewriter
	Compiler *Compiler
}

// NewPipeline wires symbols (the set of identifiers known to denote runtime
// entity collections) to a fresh Compiler.
func NewPipeline(symbols *rewriter.Symbols) *Pipeline {
	return &Pipeline{
		Rewriter: rewriter.New(symbols),
		Compiler: New(),
	}
}

// Compile implements endpoint.Compiler: lower any lowerable `.filter` call
// sites, then strip type constructs from the result.
func (p *Pipeline) Compile(source string) (string, error) {
	rewritten, _ := p.Rewriter.Rewrite(source)
	return p.Compiler.Compile(rewritten)
}
