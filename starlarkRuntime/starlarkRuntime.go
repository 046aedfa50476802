package starlark_runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	EngineName = "starlark"

	resultName = "__result__"
)

type (
	Options struct {
		// ImportSite predeclares the math, time and json modules. Off by
		// default, the same way python engines are created without site imports.
		ImportSite bool
	}

	starlarkEngine struct {
		engineRegistry.InstanceAnchor

		globals     starlark.StringDict
		predeclared starlark.StringDict
		fileOptions *syntax.FileOptions
		lock        sync.Mutex
	}

	compiledProgram struct {
		engine     *starlarkEngine
		program    *starlark.Program
		expression bool
	}
)

// siteModules are predeclared when Options.ImportSite is set.
var siteModules = starlark.StringDict{
	"math": starlarkmath.Module,
	"time": starlarktime.Module,
	"json": starlarkjson.Module,
}

func init() {
	engineRegistry.RegisterEngine(NewFactory(Options{}))
}

func NewFactory(options Options) *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:      EngineName,
		LanguageName:    "python",
		LanguageVersion: "starlark",
		Names:           []string{"python", "starlark", "Starlark"},
		Extensions:      []string{"py", "star", "bzl"},
		MimeTypes:       []string{"text/x-python", "application/x-python", "text/x-starlark"},
		New: func() (engineRegistry.Engine, error) {
			return newStarlarkEngine(options), nil
		},
	}
}

func newStarlarkEngine(options Options) *starlarkEngine {
	predeclared := starlark.StringDict{}
	if options.ImportSite {
		for name, module := range siteModules {
			predeclared[name] = module
		}
	}
	return &starlarkEngine{
		globals:     starlark.StringDict{},
		predeclared: predeclared,
		fileOptions: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       true,
		},
	}
}

func (e *starlarkEngine) Name() string {
	return EngineName
}

// Eval evaluates an expression and returns its value, or executes statements,
// keeping their globals for later evaluations, and returns nil.
func (e *starlarkEngine) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	options := engineRegistry.ApplyEvalOptions(opts...)
	env, err := e.environment(options.Context)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	thread, stop := e.thread(ctx, options.Context)
	defer stop()

	if _, parseErr := e.fileOptions.ParseExpr("<eval>", source, 0); parseErr == nil {
		value, err := starlark.EvalOptions(e.fileOptions, thread, "<eval>", source, env)
		if err != nil {
			return nil, e.scriptError(ctx, engineRegistry.OpEval, err)
		}
		return fromStarlark(value), nil
	}

	globals, err := starlark.ExecFileOptions(e.fileOptions, thread, "<eval>", source, env)
	if err != nil {
		return nil, e.scriptError(ctx, engineRegistry.OpEval, err)
	}
	e.keep(globals)
	return nil, nil
}

func (e *starlarkEngine) Compile(source string) (engineRegistry.CompiledScript, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	// an expression is compiled as an assignment so running it yields its value
	_, parseErr := e.fileOptions.ParseExpr("<compiled>", source, 0)
	expression := parseErr == nil
	if expression {
		source = resultName + " = (" + source + ")"
	}

	_, program, err := starlark.SourceProgramOptions(e.fileOptions, "<compiled>", source, func(name string) bool {
		// free names other than builtins are looked up at run time against globals and bindings
		_, builtin := starlark.Universe[name]
		return !builtin
	})
	if err != nil {
		return nil, e.scriptError(context.Background(), engineRegistry.OpCompile, err)
	}
	return &compiledProgram{engine: e, program: program, expression: expression}, nil
}

func (e *starlarkEngine) InvokeFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	callable, ok := e.globals[name].(starlark.Callable)
	if !ok {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("no such function: %v", name))
	}
	return e.call(ctx, callable, args)
}

// InvokeMethod calls an attribute of a starlark value, for example a module
// member or a struct field holding a function.
func (e *starlarkEngine) InvokeMethod(ctx context.Context, object interface{}, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	receiver, ok := object.(starlark.HasAttrs)
	if !ok {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("cannot invoke method %v on %T", name, object))
	}
	attr, err := receiver.Attr(name)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, err)
	}
	callable, ok := attr.(starlark.Callable)
	if !ok {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("no such method: %v", name))
	}
	return e.call(ctx, callable, args)
}

func (e *starlarkEngine) call(ctx context.Context, callable starlark.Callable, args []interface{}) (interface{}, error) {
	params := make(starlark.Tuple, 0, len(args))
	for _, arg := range args {
		value, err := toStarlark(arg)
		if err != nil {
			return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, err)
		}
		params = append(params, value)
	}

	thread, stop := e.thread(ctx, engineRegistry.ScriptContextFrom(ctx))
	defer stop()
	result, err := starlark.Call(thread, callable, params, nil)
	if err != nil {
		return nil, e.scriptError(ctx, engineRegistry.OpInvoke, err)
	}
	return fromStarlark(result), nil
}

// environment layers predeclared modules, globals from earlier evaluations
// and the context variables, later layers win.
func (e *starlarkEngine) environment(scriptContext *engineRegistry.ScriptContext) (starlark.StringDict, error) {
	env := starlark.StringDict{}
	for name, value := range e.predeclared {
		env[name] = value
	}
	for name, value := range e.globals {
		env[name] = value
	}
	for name, value := range scriptContext.Variables() {
		converted, err := toStarlark(value)
		if err != nil {
			return nil, fmt.Errorf("binding %v: %w", name, err)
		}
		env[name] = converted
	}
	return env, nil
}

func (e *starlarkEngine) keep(globals starlark.StringDict) {
	for name, value := range globals {
		e.globals[name] = value
	}
}

// thread has no Load func, load statements are rejected.
func (e *starlarkEngine) thread(ctx context.Context, scriptContext *engineRegistry.ScriptContext) (*starlark.Thread, func()) {
	out := scriptContext.Output()
	thread := &starlark.Thread{
		Name: EngineName,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(out, msg)
		},
	}
	if ctx.Done() == nil {
		return thread, func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return thread, func() { close(done) }
}

func (e *starlarkEngine) scriptError(ctx context.Context, op engineRegistry.Operation, err error) error {
	line, column := errorPosition(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%v: %w", err, ctxErr)
	}
	return engineRegistry.NewScriptError(EngineName, op, err).WithPosition(line, column)
}

func errorPosition(err error) (int, int) {
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return int(syntaxErr.Pos.Line), int(syntaxErr.Pos.Col)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			if position := evalErr.CallStack.At(i).Pos; position.Line > 0 {
				return int(position.Line), int(position.Col)
			}
		}
	}
	return 0, 0
}

func (c *compiledProgram) Eval(ctx context.Context, opts ...engineRegistry.EvalOption) (interface{}, error) {
	c.engine.lock.Lock()
	defer c.engine.lock.Unlock()

	options := engineRegistry.ApplyEvalOptions(opts...)
	env, err := c.engine.environment(options.Context)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	thread, stop := c.engine.thread(ctx, options.Context)
	defer stop()

	globals, err := c.program.Init(thread, env)
	if err != nil {
		return nil, c.engine.scriptError(ctx, engineRegistry.OpEval, err)
	}
	result := globals[resultName]
	delete(globals, resultName)
	c.engine.keep(globals)
	if c.expression {
		return fromStarlark(result), nil
	}
	return nil, nil
}

func (c *compiledProgram) Engine() engineRegistry.Engine {
	return c.engine
}
