package endpoint

import (
	"errors"
	"testing"
)

// fakeCompiler and scriptedImporter let these tests exercise
// Loader/Table without depending on esbuild or goja: the install
// sequencing under test is independent of any specific engine.
type fakeCompiler struct {
	fail bool
}

func (c *fakeCompiler) Compile(source string) (string, error) {
	if c.fail {
		return "", errors.New("boom: compile failed")
	}
	return source, nil
}

type scriptedImporter struct {
	source string
	result any
	ok     bool
	err    error
}

func (i *scriptedImporter) Import(url string) (any, bool, error) {
	return i.result, i.ok, i.err
}

func TestLoaderInstallsFirstVersion(t *testing.T) {
	table := NewTable()
	sources := NewModuleSource()
	compiler := &fakeCompiler{}
	handlerFn := func() string { return "hi" }
	importer := &scriptedImporter{result: handlerFn, ok: true}

	loader := NewLoader(table, sources, compiler, importer)
	version, err := loader.Load("/hi", `export default async function(req){ return new Response("hi", {status: 200}); }`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first install to be version 1, got %d", version)
	}

	fn, v, err := table.Get("/hi")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected dispatch to see version 1, got %d", v)
	}
	if fn == nil {
		t.Fatalf("expected a non-nil handler")
	}
}

func TestLoaderVersionedReplacement(t *testing.T) {
	table := NewTable()
	sources := NewModuleSource()
	compiler := &fakeCompiler{}

	loader := NewLoader(table, sources, compiler, &scriptedImporter{result: "hi-handler", ok: true})
	v1, err := loader.Load("/hi", "source-v1")
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}

	loader.Importer = &scriptedImporter{result: "bye-handler", ok: true}
	v2, err := loader.Load("/hi", "source-v2")
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}

	if v2 <= v1 {
		t.Fatalf("expected version to strictly increase: v1=%d v2=%d", v1, v2)
	}

	fn, v, err := table.Get("/hi")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != v2 {
		t.Fatalf("expected dispatch to observe latest version %d, got %d", v2, v)
	}
	if fn != "bye-handler" {
		t.Fatalf("expected the prior handler to be unreachable, got %v", fn)
	}
}

func TestLoaderFailedLoadThenFix(t *testing.T) {
	table := NewTable()
	sources := NewModuleSource()
	compiler := &fakeCompiler{}

	loader := NewLoader(table, sources, compiler, &scriptedImporter{err: errors.New("throw 1")})
	vBad, err := loader.Load("/bad", "throw 1;")
	if err == nil {
		t.Fatalf("expected the bad source to fail loading")
	}
	if _, ok := err.(*EndpointLoadError); !ok {
		t.Fatalf("expected *EndpointLoadError, got %T", err)
	}

	_, _, getErr := table.Get("/bad")
	notLoaded, ok := getErr.(*EndpointNotLoaded)
	if !ok {
		t.Fatalf("expected *EndpointNotLoaded from dispatch, got %T", getErr)
	}
	if notLoaded.StatusCode() != 503 {
		t.Fatalf("expected a defined-but-broken endpoint to report 503, got %d", notLoaded.StatusCode())
	}

	loader.Importer = &scriptedImporter{result: "fixed-handler", ok: true}
	vFixed, err := loader.Load("/bad", "export default () => new Response('ok')")
	if err != nil {
		t.Fatalf("expected the fix to load successfully: %v", err)
	}
	if vFixed <= vBad {
		t.Fatalf("expected the fixed version to be strictly greater than the failed one: bad=%d fixed=%d", vBad, vFixed)
	}

	fn, _, err := table.Get("/bad")
	if err != nil {
		t.Fatalf("expected dispatch to succeed after the fix: %v", err)
	}
	if fn != "fixed-handler" {
		t.Fatalf("expected the fixed handler to be served, got %v", fn)
	}
}

func TestLoaderCompileFailureStillAdvancesVersion(t *testing.T) {
	table := NewTable()
	sources := NewModuleSource()
	compiler := &fakeCompiler{fail: true}
	loader := NewLoader(table, sources, compiler, &scriptedImporter{})

	v1, err := loader.Load("/x", "not valid")
	if err == nil {
		t.Fatalf("expected a compile error")
	}
	if v1 != 1 {
		t.Fatalf("expected version 1 even on compile failure, got %d", v1)
	}

	v2 := table.NextVersion("/x")
	if v2 != 2 {
		t.Fatalf("expected the next reservation to be version 2, got %d", v2)
	}
}

func TestGetOnVacantPathIsMissing(t *testing.T) {
	table := NewTable()
	_, _, err := table.Get("/never-defined")
	notLoaded, ok := err.(*EndpointNotLoaded)
	if !ok {
		t.Fatalf("expected *EndpointNotLoaded, got %T", err)
	}
	if !notLoaded.Missing || notLoaded.StatusCode() != 404 {
		t.Fatalf("expected a vacant path to report 404, got %+v", notLoaded)
	}
}

func TestModuleSourceRefusesUnregisteredURL(t *testing.T) {
	sources := NewModuleSource()
	if _, err := sources.Resolve("https://example.com/evil.js"); err == nil {
		t.Fatalf("expected resolution of a non-prefixed URL to fail")
	}

	url := sources.Put("/hi", 1, "export default () => 1;")
	src, err := sources.Resolve(url)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src == "" {
		t.Fatalf("expected the registered source back")
	}

	sources.Remove(url)
	if _, err := sources.Resolve(url); err == nil {
		t.Fatalf("expected resolution to fail after Remove")
	}
}
