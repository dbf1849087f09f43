package bridge

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/tylermcginnis/chiselstrike/internal/compiler"
	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
	"github.com/tylermcginnis/chiselstrike/internal/opregistry"
	"github.com/tylermcginnis/chiselstrike/internal/policy"
	"github.com/tylermcginnis/chiselstrike/internal/rowstream"
	"github.com/tylermcginnis/chiselstrike/internal/vm"
)

type nullPrinter struct{}

func (nullPrinter) Log(string)   {}
func (nullPrinter) Warn(string)  {}
func (nullPrinter) Error(string) {}

type noTypes struct{}

func (noTypes) Describe(string) (policy.TypeDescriptor, bool) { return policy.TypeDescriptor{}, false }
func (noTypes) Validate(string, map[string]any) error         { return nil }

type noEntities struct{}

func (noEntities) Store(context.Context, string, map[string]any) error { return nil }
func (noEntities) Query(context.Context, string, string, any) (rowstream.Cursor, error) {
	return nil, fmt.Errorf("no entity store configured in this test")
}

func newTestBridge(t *testing.T, path, source string) *RequestBridge {
	t.Helper()

	engine := vm.New(nullPrinter{})
	t.Cleanup(engine.Stop)

	table := endpoint.NewTable()
	sources := endpoint.NewModuleSource()
	importer := vm.NewModuleImporter(engine, sources)
	loader := endpoint.NewLoader(table, sources, compiler.New(), importer)

	if _, err := loader.Load(path, source); err != nil {
		t.Fatalf("Load(%q): %v", path, err)
	}

	policies := policy.NewStore()
	ops := opregistry.NewRegistry(noTypes{}, noEntities{}, policies, engine.CurrentRequest)

	b, err := New([]*vm.Engine{engine}, []*opregistry.Registry{ops}, table, policies, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestInvokeReturnsHandlerResponse(t *testing.T) {
	b := newTestBridge(t, "/hello", `
		exports.default = async function(req) {
			return new Response("hello " + req.method);
		};
	`)

	req := httptest.NewRequest("GET", "/hello", nil)
	w := httptest.NewRecorder()
	b.Invoke(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "hello GET" {
		t.Fatalf("body = %q, want %q", got, "hello GET")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("missing default CORS header, got %q", got)
	}
}

func TestInvokeHonorsExplicitStatusAndHeaders(t *testing.T) {
	b := newTestBridge(t, "/created", `
		exports.default = async function(req) {
			return new Response("ok", { status: 201, headers: { "X-Custom": "yes" } });
		};
	`)

	req := httptest.NewRequest("POST", "/created", nil)
	w := httptest.NewRecorder()
	b.Invoke(w, req)

	if w.Code != 201 {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if got := w.Header().Get("X-Custom"); got != "yes" {
		t.Fatalf("X-Custom = %q, want yes", got)
	}
}

func TestInvokeUnknownPathReturns404(t *testing.T) {
	b := newTestBridge(t, "/known", `exports.default = async function(req) { return new Response("hi"); };`)

	req := httptest.NewRequest("GET", "/unknown", nil)
	w := httptest.NewRecorder()
	b.Invoke(w, req)

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestInvokeNonResponseReturnValueIs500(t *testing.T) {
	b := newTestBridge(t, "/bad", `exports.default = async function(req) { return 42; };`)

	req := httptest.NewRequest("GET", "/bad", nil)
	w := httptest.NewRecorder()
	b.Invoke(w, req)

	if w.Code != 500 {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
