package bridge

import (
	"net/http"
	"strings"

	"github.com/dop251/goja"
)

// buildRequest constructs the JS-facing Request object: method, url,
// headers, and — for methods that carry a body — a body property backed
// by buildReadableStreamForBody(rid).
// GET/HEAD requests get no body property at all, matching the Fetch
// Request semantics the prelude's Request constructor mirrors.
func buildRequest(rt *goja.Runtime, r *http.Request, bodyRID int32, hasBody bool) (goja.Value, error) {
	ctor, ok := goja.AssertConstructor(rt.GlobalObject().Get("Request"))
	if !ok {
		return nil, errRequestCtorMissing
	}

	init := rt.NewObject()
	_ = init.Set("method", r.Method)
	_ = init.Set("headers", headersInit(rt, r.Header))

	if hasBody {
		streamFn, isFn := goja.AssertFunction(rt.GlobalObject().Get("buildReadableStreamForBody"))
		if !isFn {
			return nil, errStreamBuilderMissing
		}
		stream, err := streamFn(goja.Undefined(), rt.ToValue(bodyRID))
		if err != nil {
			return nil, err
		}
		_ = init.Set("body", stream)
	}

	return ctor(nil, rt.ToValue(r.URL.String()), init)
}

func headersInit(rt *goja.Runtime, h http.Header) goja.Value {
	obj := rt.NewObject()
	for name, values := range h {
		_ = obj.Set(name, strings.Join(values, ", "))
	}
	return obj
}

var (
	errRequestCtorMissing   = newBridgeError("bridge: global Request constructor missing")
	errStreamBuilderMissing = newBridgeError("bridge: global buildReadableStreamForBody missing")
)

type bridgeError string

func newBridgeError(msg string) bridgeError { return bridgeError(msg) }
func (e bridgeError) Error() string         { return string(e) }
