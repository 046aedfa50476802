package lua_runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const EngineName = "gopher-lua"

type (
	luaEngine struct {
		engineRegistry.InstanceAnchor

		state  *lua.LState
		output *luaOutput
		lock   sync.Mutex
	}

	compiledChunk struct {
		engine *luaEngine
		proto  *lua.FunctionProto
	}

	luaOutput struct {
		out io.Writer
	}
)

func init() {
	engineRegistry.RegisterEngine(NewFactory())
}

func NewFactory() *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:      EngineName,
		LanguageName:    "Lua",
		LanguageVersion: lua.LuaVersion,
		EngineVersion:   lua.PackageVersion,
		Names:           []string{"lua", "Lua", "gopher-lua"},
		Extensions:      []string{"lua"},
		MimeTypes:       []string{"application/x-lua", "text/x-lua"},
		New: func() (engineRegistry.Engine, error) {
			return newLuaEngine(), nil
		},
	}
}

func newLuaEngine() *luaEngine {
	engine := &luaEngine{
		state:  lua.NewState(),
		output: &luaOutput{out: os.Stdout},
	}
	engine.state.SetGlobal("print", engine.state.NewFunction(engine.print))
	return engine
}

func (e *luaEngine) Name() string {
	return EngineName
}

// Eval runs a chunk and returns its first return value, a chunk without a
// return statement yields nil.
func (e *luaEngine) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	function, err := e.state.LoadString(source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	return e.run(ctx, function, engineRegistry.ApplyEvalOptions(opts...))
}

// Compile parses the source into a function prototype that can run many times.
func (e *luaEngine) Compile(source string) (engineRegistry.CompiledScript, error) {
	chunk, err := parse.Parse(strings.NewReader(source), "<compiled>")
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, err)
	}
	proto, err := lua.Compile(chunk, "<compiled>")
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, err)
	}
	return &compiledChunk{engine: e, proto: proto}, nil
}

func (e *luaEngine) InvokeFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	function, ok := e.state.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("no such function: %v", name))
	}
	return e.call(ctx, function, args)
}

// InvokeMethod calls table[name] with the table as the implicit self argument.
func (e *luaEngine) InvokeMethod(ctx context.Context, object interface{}, name string, args ...interface{}) (interface{}, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	table, ok := object.(*lua.LTable)
	if !ok {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("cannot invoke method %v on %T", name, object))
	}
	function, ok := e.state.GetField(table, name).(*lua.LFunction)
	if !ok {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpInvoke, fmt.Errorf("no such method: %v", name))
	}
	return e.call(ctx, function, append([]interface{}{table}, args...))
}

func (e *luaEngine) run(ctx context.Context, function *lua.LFunction, options engineRegistry.EvalOptions) (interface{}, error) {
	restore := e.bind(options.Context)
	defer restore()

	stop := e.watch(ctx)
	defer stop()

	top := e.state.GetTop()
	e.state.Push(function)
	if err := e.state.PCall(0, lua.MultRet, nil); err != nil {
		e.state.SetTop(top)
		return nil, e.scriptError(ctx, engineRegistry.OpEval, err)
	}
	var result interface{}
	if e.state.GetTop() > top {
		result = fromLua(e.state.Get(top + 1))
	}
	e.state.SetTop(top)
	return result, nil
}

func (e *luaEngine) call(ctx context.Context, function *lua.LFunction, args []interface{}) (interface{}, error) {
	restore := e.redirect(engineRegistry.ScriptContextFrom(ctx))
	defer restore()

	stop := e.watch(ctx)
	defer stop()

	params := make([]lua.LValue, 0, len(args))
	for _, arg := range args {
		params = append(params, toLua(e.state, arg))
	}
	if err := e.state.CallByParam(lua.P{Fn: function, NRet: 1, Protect: true}, params...); err != nil {
		return nil, e.scriptError(ctx, engineRegistry.OpInvoke, err)
	}
	result := e.state.Get(-1)
	e.state.Pop(1)
	return fromLua(result), nil
}

func (e *luaEngine) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	e.state.SetContext(ctx)
	return func() {
		e.state.RemoveContext()
	}
}

func (e *luaEngine) redirect(scriptContext *engineRegistry.ScriptContext) func() {
	previousOutput := e.output.out
	e.output.out = scriptContext.Output()
	return func() {
		e.output.out = previousOutput
	}
}

func (e *luaEngine) bind(scriptContext *engineRegistry.ScriptContext) func() {
	restoreOutput := e.redirect(scriptContext)

	variables := scriptContext.Variables()
	shadowed := make(map[string]lua.LValue, len(variables))
	for name, value := range variables {
		shadowed[name] = e.state.GetGlobal(name)
		e.state.SetGlobal(name, toLua(e.state, value))
	}
	return func() {
		restoreOutput()
		for name, previous := range shadowed {
			e.state.SetGlobal(name, previous)
		}
	}
}

func (e *luaEngine) scriptError(ctx context.Context, op engineRegistry.Operation, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%v: %w", err, ctxErr)
	}
	return engineRegistry.NewScriptError(EngineName, op, err)
}

func (e *luaEngine) print(state *lua.LState) int {
	parts := make([]string, 0, state.GetTop())
	for i := 1; i <= state.GetTop(); i++ {
		parts = append(parts, state.ToStringMeta(state.Get(i)).String())
	}
	if e.output.out != nil {
		fmt.Fprintln(e.output.out, strings.Join(parts, "\t"))
	}
	return 0
}

func (c *compiledChunk) Eval(ctx context.Context, opts ...engineRegistry.EvalOption) (interface{}, error) {
	c.engine.lock.Lock()
	defer c.engine.lock.Unlock()
	function := c.engine.state.NewFunctionFromProto(c.proto)
	return c.engine.run(ctx, function, engineRegistry.ApplyEvalOptions(opts...))
}

func (c *compiledChunk) Engine() engineRegistry.Engine {
	return c.engine
}
