package bridge

import (
	"github.com/dop251/goja"

	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
)

// responseView is the host-side projection of a handler's settled return
// value: enough to drive the outbound HTTP response without holding onto
// the whole goja.Value longer than necessary.
type responseView struct {
	status  int64
	headers [][2]string
	reader  goja.Value // the Response's body's getReader() result, or nil if body is absent
}

// extractResponse verifies the settled value looks like a Response,
// then pulls out status, headers, and a
// reader over its body. Any shape mismatch is reported through
// internal/endpoint's tagged error types so RequestBridge can translate
// it into the right HTTP status.
func extractResponse(rt *goja.Runtime, path string, value goja.Value) (*responseView, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, &endpoint.NotAResponse{Path: path, Detail: "handler returned no value"}
	}

	obj := value.ToObject(rt)
	if obj == nil {
		return nil, &endpoint.NotAResponse{Path: path, Detail: "handler did not return an object"}
	}

	statusVal := obj.Get("status")
	if statusVal == nil || goja.IsUndefined(statusVal) {
		return nil, &endpoint.NotAResponse{Path: path, Detail: "missing status"}
	}
	status := statusVal.ToInteger()
	if status < 100 || status > 599 {
		return nil, &endpoint.BadStatus{Path: path, Status: status}
	}

	headers, err := extractHeaders(rt, path, obj)
	if err != nil {
		return nil, err
	}

	reader, err := extractReader(rt, path, obj)
	if err != nil {
		return nil, err
	}

	return &responseView{status: status, headers: headers, reader: reader}, nil
}

func extractHeaders(rt *goja.Runtime, path string, obj *goja.Object) ([][2]string, error) {
	headersVal := obj.Get("headers")
	if headersVal == nil || goja.IsUndefined(headersVal) {
		return nil, nil
	}
	headersObj := headersVal.ToObject(rt)
	entriesFn, isFn := goja.AssertFunction(headersObj.Get("entries"))
	if !isFn {
		return nil, &endpoint.NotAResponse{Path: path, Detail: "headers has no entries() method"}
	}
	result, err := entriesFn(headersVal)
	if err != nil {
		return nil, &endpoint.NotAResponse{Path: path, Detail: "headers.entries() threw: " + err.Error()}
	}

	exported, ok := result.Export().([]any)
	if !ok {
		return nil, nil
	}
	out := make([][2]string, 0, len(exported))
	for _, entry := range exported {
		pair, ok := entry.([]any)
		if !ok || len(pair) != 2 {
			return nil, &endpoint.HeaderInvalid{Path: path, Header: "<malformed entry>"}
		}
		name, nameOK := pair[0].(string)
		val, valOK := pair[1].(string)
		if !nameOK || !valOK {
			return nil, &endpoint.HeaderInvalid{Path: path, Header: "<non-string header>"}
		}
		out = append(out, [2]string{name, val})
	}
	return out, nil
}

func extractReader(rt *goja.Runtime, path string, obj *goja.Object) (goja.Value, error) {
	bodyVal := obj.Get("body")
	if bodyVal == nil || goja.IsUndefined(bodyVal) || goja.IsNull(bodyVal) {
		return nil, nil
	}
	bodyObj := bodyVal.ToObject(rt)
	getReaderFn, isFn := goja.AssertFunction(bodyObj.Get("getReader"))
	if !isFn {
		return nil, &endpoint.NotAResponse{Path: path, Detail: "body has no getReader() method"}
	}
	reader, err := getReaderFn(bodyVal)
	if err != nil {
		return nil, &endpoint.NotAResponse{Path: path, Detail: "body.getReader() threw: " + err.Error()}
	}
	return reader, nil
}
