package vm

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// ResolveValue settles v to a plain value. goja runs microtasks to
// completion before returning control from RunProgram or a Callable
// invocation, so by the time ResolveValue is called a Promise is
// already either fulfilled or rejected — there is no separate event
// loop to pump.
func ResolveValue(v goja.Value) (goja.Value, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		return nil, rejectionError(promise.Result())
	default:
		return nil, errors.New("vm: promise did not settle synchronously")
	}
}

func rejectionError(reason goja.Value) error {
	if reason == nil || goja.IsUndefined(reason) {
		return errors.New("javascript promise rejected with no reason")
	}
	return fmt.Errorf("javascript promise rejected: %s", reason.String())
}
