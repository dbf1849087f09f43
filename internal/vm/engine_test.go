package vm

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
	"github.com/tylermcginnis/chiselstrike/internal/reqcontext"
)

type nullPrinter struct{}

func (nullPrinter) Log(string)   {}
func (nullPrinter) Warn(string)  {}
func (nullPrinter) Error(string) {}

func TestEngineRunExecutesOnVMThread(t *testing.T) {
	e := New(nullPrinter{})
	defer e.Stop()

	var got int64
	e.Run("/x", func(rt *goja.Runtime) {
		v, err := rt.RunString("1 + 2")
		if err != nil {
			t.Fatalf("RunString: %v", err)
		}
		got = v.ToInteger()
	})

	if got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestEngineCurrentPathReassertedPerRun(t *testing.T) {
	e := New(nullPrinter{})
	defer e.Stop()

	var seen string
	e.Run("/first", func(rt *goja.Runtime) {
		seen = e.CurrentPath()
	})
	if seen != "/first" {
		t.Fatalf("CurrentPath = %q, want /first", seen)
	}

	e.Run("/second", func(rt *goja.Runtime) {
		seen = e.CurrentPath()
	})
	if seen != "/second" {
		t.Fatalf("CurrentPath = %q, want /second (must be reasserted each Run)", seen)
	}
}

func TestEngineRunRequestInterruptsOnDeadline(t *testing.T) {
	e := New(nullPrinter{})
	defer e.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var runErr error
	e.RunRequest(&reqcontext.RequestContext{Path: "/slow", Ctx: ctx}, func(rt *goja.Runtime) {
		_, runErr = rt.RunString("while (true) {}")
	})

	if runErr == nil {
		t.Fatalf("expected the infinite loop to be interrupted")
	}
	if _, ok := runErr.(*goja.InterruptedError); !ok {
		t.Fatalf("expected *goja.InterruptedError, got %T: %v", runErr, runErr)
	}
}

func TestEngineCurrentRequestFollowsEachJob(t *testing.T) {
	e := New(nullPrinter{})
	defer e.Stop()

	alice := &reqcontext.RequestContext{Path: "/users", Username: "alice", Authenticated: true, Ctx: context.Background()}
	bob := &reqcontext.RequestContext{Path: "/users", Username: "bob", Authenticated: true, Ctx: context.Background()}

	// Two requests against the same path must each see their own
	// context from within their own job.
	var seen []string
	e.RunRequest(alice, func(rt *goja.Runtime) {
		seen = append(seen, e.CurrentRequest().Username)
	})
	e.RunRequest(bob, func(rt *goja.Runtime) {
		seen = append(seen, e.CurrentRequest().Username)
	})
	if len(seen) != 2 || seen[0] != "alice" || seen[1] != "bob" {
		t.Fatalf("each job must observe its own request context, got %v", seen)
	}

	e.Run("/load", func(rt *goja.Runtime) {
		if e.CurrentRequest() != nil {
			t.Errorf("non-request work must not see a stale request context")
		}
	})
}

func TestResolveValuePassesThroughNonPromise(t *testing.T) {
	e := New(nullPrinter{})
	defer e.Stop()

	e.Run("/x", func(rt *goja.Runtime) {
		v := rt.ToValue("plain")
		resolved, err := ResolveValue(v)
		if err != nil {
			t.Fatalf("ResolveValue: %v", err)
		}
		if resolved.String() != "plain" {
			t.Fatalf("got %q, want plain", resolved.String())
		}
	})
}

func TestModuleImporterExtractsDefaultExport(t *testing.T) {
	e := New(nullPrinter{})
	defer e.Stop()

	sources := endpoint.NewModuleSource()
	url := sources.Put("/hi", 1, `exports.default = async function(req) { return "hi"; };`)

	importer := NewModuleImporter(e, sources)

	handler, ok, err := importer.Import(url)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !ok {
		t.Fatalf("expected the default export to be recognised as callable")
	}
	if _, isFn := handler.(goja.Callable); !isFn {
		t.Fatalf("expected a goja.Callable, got %T", handler)
	}
}
