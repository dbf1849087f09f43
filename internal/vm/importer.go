package vm

import (
	"github.com/dop251/goja"

	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
)

// ModuleImporter implements endpoint.Importer by evaluating a module's
// CommonJS-wrapped source on the Engine's VM
// thread and reading its default export back out. goja has no native
// import(); "dynamically importing a URL" here means resolving it
// against a ModuleSource, running the wrapped source as a program on the
// VM's own thread, and extracting `.default` from the resulting
// module.exports object — the same module pattern internal/compiler
// wraps its output in.
type ModuleImporter struct {
	Engine  *Engine
	Sources *endpoint.ModuleSource
}

// NewModuleImporter wires an Engine to the ModuleSource map its compiled
// endpoint text is staged in.
func NewModuleImporter(engine *Engine, sources *endpoint.ModuleSource) *ModuleImporter {
	return &ModuleImporter{Engine: engine, Sources: sources}
}

// Import satisfies endpoint.Importer.
func (m *ModuleImporter) Import(url string) (handler any, ok bool, err error) {
	source, rerr := m.Sources.Resolve(url)
	if rerr != nil {
		return nil, false, rerr
	}

	wrapped := "(function() { var module = { exports: {} }; var exports = module.exports;\n" +
		source +
		"\nreturn module.exports; })()"

	m.Engine.Run(url, func(rt *goja.Runtime) {
		program, cerr := goja.Compile(url, wrapped, true)
		if cerr != nil {
			err = TranslateError(cerr)
			return
		}

		exportsVal, rerr2 := rt.RunProgram(program)
		if rerr2 != nil {
			err = TranslateError(rerr2)
			return
		}

		exportsObj := exportsVal.ToObject(rt)
		defaultVal := exportsObj.Get("default")
		if defaultVal == nil || goja.IsUndefined(defaultVal) {
			return
		}

		fn, isFn := goja.AssertFunction(defaultVal)
		if !isFn {
			return
		}
		handler = fn
		ok = true
	})

	return handler, ok, err
}
