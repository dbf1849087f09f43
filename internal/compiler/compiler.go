// Package compiler strips the type constructs of the typed-JS dialect
// (type annotations, interfaces, `as` casts) from user-authored
// endpoint source, leaving plain executable JavaScript with all runtime
// semantics preserved.
//
// The actual erasure is delegated to esbuild: Transform with LoaderTS,
// FormatCommonJS so the output can be wrapped in the module-exports
// IIFE the endpoint loader uses in place of native ES-module resolution
// (goja has no built-in import()), then validate the result actually
// compiles with goja before handing it back.
package compiler

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
)

// SourceParseError is returned when esbuild cannot parse the input as
// typed JS/TS.
type SourceParseError struct {
	Diagnostic string
	Location   string
}

func (e *SourceParseError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("source parse error at %s: %s", e.Location, e.Diagnostic)
	}
	return fmt.Sprintf("source parse error: %s", e.Diagnostic)
}

// SourceStripError is returned when esbuild successfully parses the input
// but fails to emit plain JS from it, or when the emitted text does not
// compile as valid goja bytecode.
type SourceStripError struct {
	Cause error
}

func (e *SourceStripError) Error() string {
	return fmt.Sprintf("source strip error: %v", e.Cause)
}

func (e *SourceStripError) Unwrap() error { return e.Cause }

// Compiler implements ScriptCompiler.
type Compiler struct{}

// New creates a ready-to-use Compiler. The zero value is also usable;
// New exists for symmetry with the rest of the package constructors.
func New() *Compiler {
	return &Compiler{}
}

// Compile strips type constructs from source and returns executable plain
// JS text that preserves module default-export semantics. Comments may be
// discarded; whitespace and source positions are preserved as
// best-effort only.
func (c *Compiler) Compile(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatCommonJS,
		Target:     api.ES2020,
		Platform:   api.PlatformNeutral,
		Sourcefile: "endpoint.ts",
	})

	if len(result.Errors) > 0 {
		first := result.Errors[0]
		loc := ""
		if first.Location != nil {
			loc = fmt.Sprintf("%s:%d:%d", first.Location.File, first.Location.Line, first.Location.Column)
		}
		return "", &SourceParseError{Diagnostic: first.Text, Location: loc}
	}

	code := strings.TrimSpace(string(result.Code))
	if code == "" {
		return "", &SourceStripError{Cause: fmt.Errorf("empty module after type stripping")}
	}

	if _, err := goja.Compile("endpoint.js", wrapModule(code), true); err != nil {
		return "", &SourceStripError{Cause: err}
	}

	return code, nil
}

// wrapModule wraps CommonJS-shaped output in the IIFE the endpoint
// loader evaluates to obtain module.exports.
func wrapModule(commonJS string) string {
	return "(function() { var module = { exports: {} }; var exports = module.exports;\n" +
		commonJS +
		"\nreturn module.exports; })()"
}
