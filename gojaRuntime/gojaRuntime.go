package goja_runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	urlModule "github.com/kinde-oss/script-runtime/gojaRuntime/url"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
)

const EngineName = "goja"

type (
	gojaEngine struct {
		engineRegistry.InstanceAnchor

		name     string
		vm       *goja.Runtime
		programs *programCache
		output   *consoleOutput
		lock     sync.Mutex
	}

	compiledScript struct {
		engine  *gojaEngine
		program *goja.Program
	}

	// ScriptObject is a JavaScript object with methods returned from an
	// evaluation. Its methods can be invoked by name.
	ScriptObject struct {
		engine *gojaEngine
		object *goja.Object
	}

	consoleOutput struct {
		out    io.Writer
		errOut io.Writer
	}
)

var availableModules = map[string]func(e *gojaEngine, vm *goja.Runtime){
	"console": func(e *gojaEngine, vm *goja.Runtime) {
		vm.Set("console", vm.NewObject())
		consoleMountingPoint := vm.Get("console").(*goja.Object)
		e.consoleEmulation(consoleMountingPoint)
	},
	"print": func(e *gojaEngine, vm *goja.Runtime) {
		vm.Set("print", func(arguments ...interface{}) {
			e.output.println(false, arguments)
		})
	},
	"url": func(e *gojaEngine, vm *goja.Runtime) {
		urlModule.Enable(vm)
	},
}

func init() {
	engineRegistry.RegisterEngine(NewFactory())
	engineRegistry.RegisterEngine(NewTypeScriptFactory())
}

func NewFactory() *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:      EngineName,
		LanguageName:    "ECMAScript",
		LanguageVersion: "ES2017",
		Names:           []string{"js", "JS", "javascript", "JavaScript", "ecmascript", "ECMAScript", "goja"},
		Extensions:      []string{"js", "mjs", "cjs"},
		MimeTypes:       []string{"application/javascript", "application/ecmascript", "text/javascript", "text/ecmascript"},
		New: func() (engineRegistry.Engine, error) {
			return newGojaEngine(EngineName), nil
		},
	}
}

func newGojaEngine(name string) *gojaEngine {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	engine := &gojaEngine{
		name:     name,
		vm:       vm,
		programs: newProgramCache(),
		output:   &consoleOutput{out: os.Stdout, errOut: os.Stderr},
	}
	for _, module := range availableModules {
		module(engine, vm)
	}
	return engine
}

func (e *gojaEngine) Name() string {
	return e.name
}

// Eval implements engine_registry.Engine.
func (e *gojaEngine) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	program, err := e.compile(source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(e.name, engineRegistry.OpEval, err)
	}
	return e.run(ctx, program, engineRegistry.ApplyEvalOptions(opts...))
}

// Compile implements engine_registry.Compilable.
func (e *gojaEngine) Compile(source string) (engineRegistry.CompiledScript, error) {
	program, err := e.compile(source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(e.name, engineRegistry.OpCompile, err)
	}
	return &compiledScript{engine: e, program: program}, nil
}

// InvokeFunction implements engine_registry.Invocable.
func (e *gojaEngine) InvokeFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	function, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return nil, engineRegistry.NewScriptError(e.name, engineRegistry.OpInvoke, fmt.Errorf("no such function: %v", name))
	}
	return e.call(ctx, function, goja.Undefined(), args)
}

// InvokeMethod implements engine_registry.Invocable.
func (e *gojaEngine) InvokeMethod(ctx context.Context, object interface{}, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	var target *goja.Object
	switch typed := object.(type) {
	case *ScriptObject:
		target = typed.object
	case *goja.Object:
		target = typed
	case nil:
		return nil, engineRegistry.NewScriptError(e.name, engineRegistry.OpInvoke, fmt.Errorf("cannot invoke method %v on nil", name))
	default:
		target = e.vm.ToValue(object).ToObject(e.vm)
	}

	method, ok := goja.AssertFunction(target.Get(name))
	if !ok {
		return nil, engineRegistry.NewScriptError(e.name, engineRegistry.OpInvoke, fmt.Errorf("no such method: %v", name))
	}
	return e.call(ctx, method, target, args)
}

func (e *gojaEngine) compile(source string) (*goja.Program, error) {
	return e.programs.cacheProgram(engineRegistry.SourceHash(source), func() (*goja.Program, error) {
		return goja.Compile("<eval>", source, false)
	})
}

func (e *gojaEngine) run(ctx context.Context, program *goja.Program, options engineRegistry.EvalOptions) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	restore := e.bind(options.Context)
	defer restore()

	stop := e.maxExecutionTimeout(ctx)
	value, err := e.vm.RunProgram(program)
	stop()
	if err != nil {
		return nil, e.scriptError(ctx, engineRegistry.OpEval, err)
	}
	return e.export(value), nil
}

func (e *gojaEngine) call(ctx context.Context, function goja.Callable, this goja.Value, args []interface{}) (interface{}, error) {
	functionParams := make([]goja.Value, 0, len(args))
	for _, arg := range args {
		functionParams = append(functionParams, e.vm.ToValue(arg))
	}

	restore := e.redirect(engineRegistry.ScriptContextFrom(ctx))
	defer restore()

	stop := e.maxExecutionTimeout(ctx)
	result, err := function(this, functionParams...)
	stop()
	if err != nil {
		return nil, e.scriptError(ctx, engineRegistry.OpInvoke, err)
	}
	return e.export(result), nil
}

// bind exposes the context variables as globals for the duration of one
// evaluation and puts back whatever they shadowed afterwards.
func (e *gojaEngine) bind(scriptContext *engineRegistry.ScriptContext) func() {
	restoreOutput := e.redirect(scriptContext)

	variables := scriptContext.Variables()
	shadowed := make(map[string]goja.Value, len(variables))
	for name, value := range variables {
		shadowed[name] = e.vm.Get(name)
		e.vm.Set(name, value)
	}

	return func() {
		restoreOutput()
		for name, previous := range shadowed {
			if previous == nil {
				e.vm.GlobalObject().Delete(name)
			} else {
				e.vm.Set(name, previous)
			}
		}
	}
}

// redirect points console and print at the context writers until the
// returned func is called.
func (e *gojaEngine) redirect(scriptContext *engineRegistry.ScriptContext) func() {
	previousOutput := *e.output
	e.output.out = scriptContext.Output()
	e.output.errOut = scriptContext.ErrorOutput()
	return func() {
		*e.output = previousOutput
	}
}

// maxExecutionTimeout interrupts the vm once ctx is done, the returned func
// must be called when execution finished.
func (e *gojaEngine) maxExecutionTimeout(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			e.vm.Interrupt("execution interrupted")
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
		e.vm.ClearInterrupt()
	}
}

func (e *gojaEngine) scriptError(ctx context.Context, op engineRegistry.Operation, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%v: %w", strings.ReplaceAll(err.Error(), "GoError: ", ""), ctxErr)
	}
	return engineRegistry.NewScriptError(e.name, op, err)
}

func (e *gojaEngine) export(value goja.Value) interface{} {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}
	if object, ok := value.(*goja.Object); ok && hasMethods(object) {
		return &ScriptObject{engine: e, object: object}
	}
	return value.Export()
}

func hasMethods(object *goja.Object) bool {
	if _, isFunction := goja.AssertFunction(object); isFunction {
		return false
	}
	if object.ClassName() != "Object" {
		return false
	}
	for _, key := range object.Keys() {
		if _, ok := goja.AssertFunction(object.Get(key)); ok {
			return true
		}
	}
	return false
}

func (e *gojaEngine) consoleEmulation(mountingPoint *goja.Object) {
	infoFunc := func(arguments ...interface{}) {
		e.output.println(false, arguments)
	}

	errorFunc := func(arguments ...interface{}) {
		e.output.println(true, arguments)
	}

	mountingPoint.Set("log", infoFunc)
	mountingPoint.Set("info", infoFunc)
	mountingPoint.Set("debug", infoFunc)
	mountingPoint.Set("warn", errorFunc)
	mountingPoint.Set("error", errorFunc)
}

func (o *consoleOutput) println(toError bool, arguments []interface{}) {
	writer := o.out
	if toError {
		writer = o.errOut
	}
	if writer == nil {
		return
	}
	parts := make([]string, 0, len(arguments))
	for _, argument := range arguments {
		parts = append(parts, fmt.Sprintf("%v", argument))
	}
	fmt.Fprintln(writer, strings.Join(parts, " "))
}

// Eval implements engine_registry.CompiledScript.
func (c *compiledScript) Eval(ctx context.Context, opts ...engineRegistry.EvalOption) (interface{}, error) {
	return c.engine.run(ctx, c.program, engineRegistry.ApplyEvalOptions(opts...))
}

func (c *compiledScript) Engine() engineRegistry.Engine {
	return c.engine
}

// InvokeFunction calls the object's own method.
func (o *ScriptObject) InvokeFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	return o.engine.InvokeMethod(ctx, o, name, args...)
}

func (o *ScriptObject) InvokeMethod(ctx context.Context, object interface{}, name string, args ...interface{}) (interface{}, error) {
	return o.engine.InvokeMethod(ctx, object, name, args...)
}

// Export converts the object to a Go map, methods included as Go funcs.
func (o *ScriptObject) Export() interface{} {
	o.engine.lock.Lock()
	defer o.engine.lock.Unlock()
	return o.object.Export()
}
