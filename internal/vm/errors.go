package vm

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// TranslateError normalizes a goja-level failure — a thrown JS
// exception, an interrupt, or a compiler syntax error — into a plain Go
// error safe to wrap in the endpoint package's error taxonomy further up
// the call stack.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("javascript exception: %s", exc.Value().String())
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("javascript execution interrupted: %v", interrupted.Value())
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return fmt.Errorf("javascript syntax error: %v", syntax)
	}

	return err
}
