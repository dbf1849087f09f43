package endpoint

// Compiler strips typed-JS constructs from raw endpoint source, down to
// the interface internal/compiler.Compiler satisfies.
type Compiler interface {
	Compile(source string) (string, error)
}

// Importer dynamically imports a module URL through the VM and returns
// its default export, or an error if import/evaluation threw. Returning
// a non-callable, non-nil value is reported by the Loader itself as
// *EndpointShapeError; the Importer only needs to tell "callable" apart
// from "not callable" via the ok return.
type Importer interface {
	Import(url string) (handler any, ok bool, err error)
}

// Loader sequences an endpoint install: compilation, URL keying, table
// reservation, VM import, shape extraction, and final install-or-fail.
type Loader struct {
	Table    *Table
	Sources  *ModuleSource
	Compiler Compiler
	Importer Importer
}

// NewLoader wires the four collaborators a Loader needs. Table and
// Sources are normally shared with the rest of the runtime (one Table
// and one ModuleSource per daemon); Compiler and Importer are
// injected so this package stays free of both esbuild and goja
// dependencies.
func NewLoader(table *Table, sources *ModuleSource, compiler Compiler, importer Importer) *Loader {
	return &Loader{Table: table, Sources: sources, Compiler: compiler, Importer: importer}
}

// Load runs the full install sequence for path given its raw (typed-JS)
// source, returning the version assigned even on failure — the version
// always advances so stale code cannot outlive a redefinition.
func (l *Loader) Load(path string, rawSource string) (version uint64, err error) {
	version = l.Table.Reserve(path)

	compiled, cerr := l.Compiler.Compile(rawSource)
	if cerr != nil {
		l.Table.Fail(path, version, cerr)
		return version, cerr
	}

	url := l.Sources.Put(path, version, compiled)
	defer l.Sources.Remove(url)

	handler, ok, ierr := l.Importer.Import(url)
	if ierr != nil {
		loadErr := &EndpointLoadError{Path: path, Version: version, Cause: ierr}
		l.Table.Fail(path, version, loadErr)
		return version, loadErr
	}
	if !ok {
		shapeErr := &EndpointShapeError{Path: path, Version: version}
		l.Table.Fail(path, version, shapeErr)
		return version, shapeErr
	}

	l.Table.Install(path, version, handler)
	return version, nil
}
