package bridge

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/tylermcginnis/chiselstrike/internal/opregistry"
)

// installOps binds the host operations — chisel_store,
// chisel_query_create, chisel_query_next, and the
// body-reading op buildReadableStreamForBody wraps — as global functions
// on rt, each returning a goja Promise. Ops that perform I/O run under
// ops.Context(): the dispatch context of the request currently
// executing on the VM thread, recovered from the engine's per-job
// request state the same way the registry recovers identity and policy
// version.
//
// Every op below does its Go-side work fully synchronously before
// resolving the Promise it returns: there is no separate event loop for
// this VM (vm.ResolveValue's doc explains why), so "async" here means
// only that scripts keep writing `await chisel_store(...)`, not that the
// work actually yields the VM thread to other jobs mid-flight.
func installOps(rt *goja.Runtime, ops *opregistry.Registry) error {
	bindings := map[string]func(goja.FunctionCall) goja.Value{
		"chisel_read_body":    opReadBody(rt, ops),
		"__chisel_read_body":  opReadBody(rt, ops),
		"__chisel_close_body": opCloseBody(rt, ops),
		"chisel_store":        opStore(rt, ops),
		"chisel_query_create": opQueryCreate(rt, ops),
		"chisel_query_next":   opQueryNext(rt, ops),
		"chisel_close_query":  opCloseQuery(rt, ops),
	}
	for name, fn := range bindings {
		if err := rt.Set(name, fn); err != nil {
			return fmt.Errorf("bridge: bind %s: %w", name, err)
		}
	}
	return nil
}

func settled(rt *goja.Runtime, value any, err error) goja.Value {
	promise, resolve, reject := rt.NewPromise()
	if err != nil {
		reject(err.Error())
	} else {
		resolve(value)
	}
	return rt.ToValue(promise)
}

func opReadBody(rt *goja.Runtime, ops *opregistry.Registry) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		rid := int32(call.Argument(0).ToInteger())
		chunk, hasChunk, err := ops.ReadBody(rid)
		if err != nil {
			return settled(rt, nil, err)
		}
		if !hasChunk {
			result := rt.NewObject()
			_ = result.Set("done", true)
			_ = result.Set("value", goja.Undefined())
			return settled(rt, result, nil)
		}
		result := rt.NewObject()
		_ = result.Set("done", false)
		_ = result.Set("value", bytesToJS(rt, chunk))
		return settled(rt, result, nil)
	}
}

func opCloseBody(rt *goja.Runtime, ops *opregistry.Registry) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		rid := int32(call.Argument(0).ToInteger())
		err := ops.CloseBody(rid)
		return settled(rt, nil, err)
	}
}

func opStore(rt *goja.Runtime, ops *opregistry.Registry) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		typeName := call.Argument(0).String()
		value, _ := call.Argument(1).Export().(map[string]any)
		err := ops.Store(ops.Context(), typeName, value)
		return settled(rt, nil, err)
	}
}

func opQueryCreate(rt *goja.Runtime, ops *opregistry.Registry) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		typeName := call.Argument(0).String()
		fieldName := ""
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			fieldName = call.Argument(1).String()
		}
		var value any
		if len(call.Arguments) > 2 {
			value = call.Argument(2).Export()
		}
		rid, err := ops.QueryCreate(ops.Context(), typeName, fieldName, value)
		if err != nil {
			return settled(rt, nil, err)
		}
		return settled(rt, rid, nil)
	}
}

func opQueryNext(rt *goja.Runtime, ops *opregistry.Registry) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		rid := int32(call.Argument(0).ToInteger())
		row, ok, err := ops.QueryNext(ops.Context(), rid)
		if err != nil {
			return settled(rt, nil, err)
		}
		if !ok {
			return settled(rt, nil, nil)
		}
		return settled(rt, row, nil)
	}
}

func opCloseQuery(rt *goja.Runtime, ops *opregistry.Registry) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		rid := int32(call.Argument(0).ToInteger())
		err := ops.CloseQuery(rid)
		return settled(rt, nil, err)
	}
}

// bytesToJS wraps a Go byte slice in a Uint8Array, the shape scripts
// expect a body chunk's `value` to carry.
func bytesToJS(rt *goja.Runtime, b []byte) goja.Value {
	buf := make([]byte, len(b))
	copy(buf, b)
	ab := rt.NewArrayBuffer(buf)
	ctor, ok := goja.AssertConstructor(rt.GlobalObject().Get("Uint8Array"))
	if !ok {
		return rt.ToValue(ab)
	}
	v, err := ctor(nil, rt.ToValue(ab))
	if err != nil {
		return rt.ToValue(ab)
	}
	return v
}
