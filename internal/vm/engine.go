// Package vm hosts the single-threaded JS engine: one goja.Runtime
// pinned to one OS thread, reached only through a job queue so that at
// most one VM interaction is ever in flight at a time. Request-context
// propagation is tied to thread affinity, which is why engines are
// pinned instances rather than members of an interchangeable pool.
package vm

import (
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"

	"github.com/tylermcginnis/chiselstrike/internal/reqcontext"
)

// Printer receives console.log/warn/error output from scripts running on
// an Engine. Implemented by internal/logging's Logger at wiring time.
type Printer interface {
	Log(msg string)
	Warn(msg string)
	Error(msg string)
}

type job struct {
	fn   func(rt *goja.Runtime)
	done chan struct{}
}

// Engine is one VM instance bound to one OS thread for its entire
// lifetime. All interaction happens through Run/RunRequest; nothing
// outside this package touches the underlying *goja.Runtime directly.
type Engine struct {
	jobs chan job
	stop chan struct{}

	mu          sync.Mutex
	rt          *goja.Runtime
	currentPath string
	currentReq  *reqcontext.RequestContext
}

// New starts the engine's dedicated goroutine, installs console/require
// bindings, and blocks until the runtime is ready to accept jobs.
func New(printer Printer) *Engine {
	e := &Engine{
		jobs: make(chan job, 64),
		stop: make(chan struct{}),
	}
	ready := make(chan struct{})
	go e.loop(printer, ready)
	<-ready
	return e
}

func (e *Engine) loop(printer Printer, ready chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	registry := require.NewRegistry()
	registry.Enable(rt)
	registry.RegisterNativeModule("console", console.RequireWithPrinter(&printerAdapter{p: printer}))
	_ = rt.Set("console", require.Require(rt, "console"))

	e.mu.Lock()
	e.rt = rt
	e.mu.Unlock()
	close(ready)

	for {
		select {
		case j := <-e.jobs:
			j.fn(rt)
			close(j.done)
		case <-e.stop:
			return
		}
	}
}

// Stop tears down the engine's goroutine. A VM that panics or is
// stopped is unrecoverable; callers that need a fresh engine create a
// new one rather than restarting this one.
func (e *Engine) Stop() {
	close(e.stop)
}

// Run submits fn to the VM thread, setting the engine's current-path
// field to path immediately beforehand, and blocks until fn returns.
// Work submitted through Run carries no request context; request
// dispatch goes through RunRequest.
//
// Every VM-touching call in this codebase goes through Run or
// RunRequest, and every suspension-then-resume of a request maps to a
// fresh submission, so re-setting the fields inside the job plays the
// role a per-poll thread-local write would in other runtimes: there is
// no goroutine-local storage in Go, but since the VM thread only ever
// executes one callback at a time and every callback starts by
// reasserting its own path and request state, host ops reading
// CurrentPath or CurrentRequest mid-callback always see the request
// that is actually executing — never one merely queued behind it.
func (e *Engine) Run(path string, fn func(rt *goja.Runtime)) {
	e.submit(path, nil, fn)
}

// RunRequest is Run for request-scoped work: it reasserts rc alongside
// rc.Path before invoking fn, and arms an interrupt at rc.Ctx's
// deadline so a runaway handler cannot hold the VM thread past the
// dispatch timeout.
func (e *Engine) RunRequest(rc *reqcontext.RequestContext, fn func(rt *goja.Runtime)) {
	var timer *time.Timer
	if rc.Ctx != nil {
		if deadline, ok := rc.Ctx.Deadline(); ok {
			timer = time.AfterFunc(time.Until(deadline), func() {
				e.mu.Lock()
				rt := e.rt
				e.mu.Unlock()
				if rt != nil {
					rt.Interrupt("execution timeout")
				}
			})
		}
	}
	e.submit(rc.Path, rc, func(rt *goja.Runtime) {
		fn(rt)
		if timer != nil {
			timer.Stop()
		}
		rt.ClearInterrupt()
	})
}

func (e *Engine) submit(path string, rc *reqcontext.RequestContext, fn func(rt *goja.Runtime)) {
	done := make(chan struct{})
	e.jobs <- job{
		fn: func(rt *goja.Runtime) {
			e.mu.Lock()
			e.currentPath = path
			e.currentReq = rc
			e.mu.Unlock()
			fn(rt)
		},
		done: done,
	}
	<-done
}

// CurrentPath returns the path set by the callback currently (or most
// recently) executing on the VM thread. Only meaningful when called
// from within a Run/RunRequest callback, which is the only place
// OpRegistry host ops run.
func (e *Engine) CurrentPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPath
}

// CurrentRequest returns the request context of the RunRequest callback
// currently (or most recently) executing on the VM thread, or nil when
// the last submission was not request work. Only meaningful from within
// a callback, like CurrentPath.
func (e *Engine) CurrentRequest() *reqcontext.RequestContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentReq
}

type printerAdapter struct{ p Printer }

func (a *printerAdapter) Log(s string) {
	if a.p != nil {
		a.p.Log(s)
	}
}

func (a *printerAdapter) Warn(s string) {
	if a.p != nil {
		a.p.Warn(s)
	}
}

func (a *printerAdapter) Error(s string) {
	if a.p != nil {
		a.p.Error(s)
	}
}
