package policy

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// runtime wraps a goja VM with the bindings policy scripts may use
type runtime struct {
	vm     *goja.Runtime
	logger zerolog.Logger
}

// newRuntime creates a VM with console bindings and the compiled script loaded
func newRuntime(program *goja.Program, logger zerolog.Logger) (*runtime, error) {
	r := &runtime{
		vm:     goja.New(),
		logger: logger,
	}
	r.setupConsole()

	if _, err := r.vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}
	return r, nil
}

// setupConsole creates console.log and console.error bindings
func (r *runtime) setupConsole() {
	console := r.vm.NewObject()

	console.Set("log", func(call goja.FunctionCall) goja.Value {
		r.logger.Info().Msgf("[policy] %v", exportArgs(call))
		return goja.Undefined()
	})
	console.Set("error", func(call goja.FunctionCall) goja.Value {
		r.logger.Error().Msgf("[policy] %v", exportArgs(call))
		return goja.Undefined()
	})

	r.vm.Set("console", console)
}

// call invokes the named global function and exports its result
func (r *runtime) call(name string, args ...interface{}) (interface{}, error) {
	fnVal := r.vm.Get(name)
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil, fmt.Errorf("%s function not defined", name)
	}

	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("%s is not a function", name)
	}

	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = r.vm.ToValue(a)
	}

	result, err := fn(goja.Undefined(), values...)
	if err != nil {
		if jsErr, ok := err.(*goja.Exception); ok {
			return nil, fmt.Errorf("%s", jsErr.String())
		}
		return nil, err
	}
	return result.Export(), nil
}

func exportArgs(call goja.FunctionCall) []interface{} {
	args := make([]interface{}, len(call.Arguments))
	for i, arg := range call.Arguments {
		args[i] = arg.Export()
	}
	return args
}
