package otto_runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	"github.com/robertkrimen/otto"
)

const EngineName = "otto"

var errInterrupted = errors.New("execution interrupted")

type (
	ottoEngine struct {
		engineRegistry.InstanceAnchor

		vm     *otto.Otto
		out    io.Writer
		errOut io.Writer
		lock   sync.Mutex
	}

	compiledScript struct {
		engine *ottoEngine
		script *otto.Script
	}
)

func init() {
	engineRegistry.RegisterEngine(NewFactory())
}

// NewFactory registers otto under its own name only, the js identifiers
// belong to goja.
func NewFactory() *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:      EngineName,
		LanguageName:    "ECMAScript",
		LanguageVersion: "ES5",
		Names:           []string{"otto"},
		New: func() (engineRegistry.Engine, error) {
			return newOttoEngine()
		},
	}
}

func newOttoEngine() (*ottoEngine, error) {
	engine := &ottoEngine{vm: otto.New(), out: os.Stdout, errOut: os.Stderr}
	engine.vm.Interrupt = make(chan func(), 1)

	console, err := engine.vm.Object(`({})`)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"log", "info", "debug"} {
		console.Set(name, engine.printer(false))
	}
	for _, name := range []string{"warn", "error"} {
		console.Set(name, engine.printer(true))
	}
	if err := engine.vm.Set("console", console); err != nil {
		return nil, err
	}
	if err := engine.vm.Set("print", engine.printer(false)); err != nil {
		return nil, err
	}
	return engine, nil
}

func (e *ottoEngine) Name() string {
	return EngineName
}

func (e *ottoEngine) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	return e.run(ctx, source, engineRegistry.ApplyEvalOptions(opts...))
}

func (e *ottoEngine) Compile(source string) (engineRegistry.CompiledScript, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	script, err := e.vm.Compile("<compiled>", source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, err)
	}
	return &compiledScript{engine: e, script: script}, nil
}

func (e *ottoEngine) InvokeFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	function, err := e.vm.Get(name)
	if err != nil || !function.IsFunction() {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("no such function: %v", name))
	}
	defer e.redirect(engineRegistry.ScriptContextFrom(ctx))()
	return e.guard(ctx, engineRegistry.OpInvoke, func() (otto.Value, error) {
		return function.Call(otto.UndefinedValue(), args...)
	})
}

func (e *ottoEngine) InvokeMethod(ctx context.Context, object interface{}, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	var target *otto.Object
	switch typed := object.(type) {
	case *otto.Object:
		target = typed
	case otto.Value:
		target = typed.Object()
	}
	if target == nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("cannot invoke method %v on %T", name, object))
	}
	method, err := target.Get(name)
	if err != nil || !method.IsFunction() {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("no such method: %v", name))
	}
	defer e.redirect(engineRegistry.ScriptContextFrom(ctx))()
	return e.guard(ctx, engineRegistry.OpInvoke, func() (otto.Value, error) {
		return target.Call(name, args...)
	})
}

func (e *ottoEngine) run(ctx context.Context, src interface{}, options engineRegistry.EvalOptions) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	restore, err := e.bind(options.Context)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	defer restore()

	return e.guard(ctx, engineRegistry.OpEval, func() (otto.Value, error) {
		return e.vm.Run(src)
	})
}

// guard runs fn with ctx wired to otto's interrupt channel.
func (e *ottoEngine) guard(ctx context.Context, op engineRegistry.Operation, fn func() (otto.Value, error)) (result interface{}, err error) {
	stop := e.watch(ctx)
	defer stop()
	defer func() {
		if recovered := recover(); recovered != nil {
			if recovered != errInterrupted {
				panic(recovered)
			}
			result = nil
			err = engineRegistry.NewScriptError(EngineName, op, fmt.Errorf("%w: %w", errInterrupted, ctx.Err()))
		}
	}()

	value, runErr := fn()
	if runErr != nil {
		return nil, engineRegistry.NewScriptError(EngineName, op, runErr)
	}
	if value.IsUndefined() || value.IsNull() {
		return nil, nil
	}
	exported, exportErr := value.Export()
	if exportErr != nil {
		return nil, engineRegistry.NewScriptError(EngineName, op, exportErr)
	}
	return exported, nil
}

func (e *ottoEngine) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			e.vm.Interrupt <- func() {
				panic(errInterrupted)
			}
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
		select {
		case <-e.vm.Interrupt:
		default:
		}
	}
}

func (e *ottoEngine) redirect(scriptContext *engineRegistry.ScriptContext) func() {
	previousOut, previousErrOut := e.out, e.errOut
	e.out, e.errOut = scriptContext.Output(), scriptContext.ErrorOutput()
	return func() {
		e.out, e.errOut = previousOut, previousErrOut
	}
}

func (e *ottoEngine) bind(scriptContext *engineRegistry.ScriptContext) (func(), error) {
	restoreOutput := e.redirect(scriptContext)

	variables := scriptContext.Variables()
	shadowed := make(map[string]otto.Value, len(variables))
	restore := func() {
		restoreOutput()
		for name, previous := range shadowed {
			e.vm.Set(name, previous)
		}
	}
	for name, value := range variables {
		previous, _ := e.vm.Get(name)
		shadowed[name] = previous
		if err := e.vm.Set(name, value); err != nil {
			restore()
			return nil, err
		}
	}
	return restore, nil
}

func (e *ottoEngine) printer(toError bool) func(call otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		writer := e.out
		if toError {
			writer = e.errOut
		}
		if writer == nil {
			return otto.UndefinedValue()
		}
		parts := make([]string, 0, len(call.ArgumentList))
		for _, argument := range call.ArgumentList {
			parts = append(parts, argument.String())
		}
		fmt.Fprintln(writer, strings.Join(parts, " "))
		return otto.UndefinedValue()
	}
}

func (c *compiledScript) Eval(ctx context.Context, opts ...engineRegistry.EvalOption) (interface{}, error) {
	return c.engine.run(ctx, c.script, engineRegistry.ApplyEvalOptions(opts...))
}

func (c *compiledScript) Engine() engineRegistry.Engine {
	return c.engine
}
