package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoFilter       = errors.New("script must define a 'filter' function")
)

// FilterInput is the event object passed to filter(event).
type FilterInput struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks that the script compiles, finishes its top-level code
// within the execution limit, and defines a 'filter' function.
func Validate(scriptBody string) (err error) {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				err = ErrScriptTimeout
			} else {
				err = fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(scriptBody); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return ErrScriptTimeout
		}
		return fmt.Errorf("script compilation error: %w", err)
	}
	if _, err := filterFunc(vm); err != nil {
		return err
	}
	return nil
}

// Match runs filter(event) and reports whether the result is truthy.
func Match(scriptBody string, input FilterInput) (matched bool, err error) {
	if len(scriptBody) > maxScriptSize {
		return false, ErrScriptTooLarge
	}

	// Recover from goja panics (e.g., from vm.Interrupt)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				matched, err = false, ErrScriptTimeout
			} else {
				matched, err = false, fmt.Errorf("script panic: %v", r)
			}
		}
	}()

	vm := goja.New()

	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(scriptBody); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, ErrScriptTimeout
		}
		return false, fmt.Errorf("script compilation error: %w", err)
	}

	callable, err := filterFunc(vm)
	if err != nil {
		return false, err
	}

	var payload any
	if len(input.Payload) > 0 {
		if err := json.Unmarshal(input.Payload, &payload); err != nil {
			return false, fmt.Errorf("decode payload: %w", err)
		}
	}

	arg := vm.ToValue(map[string]any{
		"event":   input.Event,
		"payload": payload,
	})
	ret, err := callable(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, ErrScriptTimeout
		}
		return false, fmt.Errorf("script execution error: %w", err)
	}

	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return false, nil
	}
	return ret.ToBoolean(), nil
}

func filterFunc(vm *goja.Runtime) (goja.Callable, error) {
	fn := vm.Get("filter")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, ErrNoFilter
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, ErrNoFilter
	}
	return callable, nil
}
