package bridge

import (
	"github.com/dop251/goja"

	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
	"github.com/tylermcginnis/chiselstrike/internal/reqcontext"
	"github.com/tylermcginnis/chiselstrike/internal/vm"
)

// BodyStream pulls a Response body's chunks one at a time by repeatedly
// calling the reader's read() method on the
// VM thread, copying each chunk's bytes out before returning control so
// the caller can write them to the outbound http.ResponseWriter without
// holding the VM thread for the duration of the HTTP write.
//
// Open -> Draining -> Closed is implicit in Next's return values rather
// than an explicit state field: Next returning ok=false is Closed,
// and every call in between is a Draining pull.
type BodyStream struct {
	engine *vm.Engine
	rc     *reqcontext.RequestContext
	reader goja.Value // nil when the Response carried no body at all
	done   bool
}

// newBodyStream wraps a reader obtained from extractReader. Pulls run
// under rc — the same request context the handler ran under — so a
// custom body reader that calls back into host ops mid-stream resolves
// the right identity and policies. A nil reader (Response had no body)
// produces a stream that yields ok=false immediately, matching an empty
// body.
func newBodyStream(engine *vm.Engine, rc *reqcontext.RequestContext, reader goja.Value) *BodyStream {
	return &BodyStream{engine: engine, rc: rc, reader: reader, done: reader == nil}
}

// Next pulls the next chunk. ok is false once the stream has reached its
// natural end; Next keeps returning ok=false on every subsequent call.
func (bs *BodyStream) Next() (chunk []byte, ok bool, err error) {
	if bs.done {
		return nil, false, nil
	}

	bs.engine.RunRequest(bs.rc, func(rt *goja.Runtime) {
		readFn, isFn := goja.AssertFunction(bs.reader.ToObject(rt).Get("read"))
		if !isFn {
			err = &endpoint.NotAResponse{Path: bs.rc.Path, Detail: "reader has no read() method"}
			return
		}
		result, callErr := readFn(bs.reader)
		if callErr != nil {
			err = &endpoint.BodyIoError{Cause: vm.TranslateError(callErr)}
			return
		}

		resolved, resolveErr := vm.ResolveValue(result)
		if resolveErr != nil {
			err = &endpoint.BodyIoError{Cause: resolveErr}
			return
		}

		obj := resolved.ToObject(rt)
		doneVal := obj.Get("done")
		if doneVal != nil && doneVal.ToBoolean() {
			bs.done = true
			return
		}

		valueVal := obj.Get("value")
		if valueVal == nil || goja.IsUndefined(valueVal) {
			bs.done = true
			return
		}

		exported := valueVal.Export()
		switch v := exported.(type) {
		case []byte:
			chunk = append([]byte(nil), v...)
		case string:
			chunk = []byte(v)
		default:
			err = &endpoint.NotAResponse{Path: bs.rc.Path, Detail: "body chunk value is not a byte buffer"}
			return
		}
		ok = true
	})

	return chunk, ok, err
}

// Cancel drops the reader handle, called when the HTTP client
// disconnects before the stream reaches its natural end. Any pending
// read result is discarded. Plain Run rather than RunRequest: the
// request's deadline may already have passed by the time the consumer
// is gone, and the cancel callback must still reach the VM.
func (bs *BodyStream) Cancel() {
	if bs.done || bs.reader == nil {
		return
	}
	bs.done = true
	bs.engine.Run(bs.rc.Path, func(rt *goja.Runtime) {
		cancelFn, isFn := goja.AssertFunction(bs.reader.ToObject(rt).Get("cancel"))
		if isFn {
			_, _ = cancelFn(bs.reader)
		}
	})
}
