package script_runtime

import (
	"context"
	"sync"

	engineRegistry "github.com/kinde-oss/script-runtime/registry"
)

var (
	defaultScripts     *Scripts
	defaultScriptsOnce sync.Once
)

// Default returns the Scripts used by the package level functions, built on
// first use from the providers registered at that time.
func Default() *Scripts {
	defaultScriptsOnce.Do(func() {
		scripts, err := New()
		if err != nil {
			// New only fails on invalid aliases and the default config has none.
			panic(err)
		}
		defaultScripts = scripts
	})
	return defaultScripts
}

func GetEngine(identifier string) (*engineRegistry.Instance, error) {
	return Default().GetEngine(identifier)
}

func CreateEngine(identifier string) (*engineRegistry.Instance, error) {
	return Default().CreateEngine(identifier)
}

func Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	return Default().Eval(ctx, source, opts...)
}

func EvalWith(ctx context.Context, engine engineRegistry.Engine, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	return Default().EvalWith(ctx, engine, source, opts...)
}

func EvalInvocable(ctx context.Context, source string) (engineRegistry.Invocable, error) {
	return Default().EvalInvocable(ctx, source)
}

func Invoke(ctx context.Context, source string, function string, args ...interface{}) (interface{}, error) {
	return Default().Invoke(ctx, source, function, args...)
}

func InvokeWith(ctx context.Context, engine engineRegistry.Engine, source string, function string, args ...interface{}) (interface{}, error) {
	return Default().InvokeWith(ctx, engine, source, function, args...)
}

func Compile(engine engineRegistry.Engine, source string) (engineRegistry.CompiledScript, error) {
	return Default().Compile(engine, source)
}

func CompileJs(source string) (engineRegistry.CompiledScript, error) {
	return Default().CompileJs(source)
}

func GetJsEngine() (*engineRegistry.Instance, error)        { return Default().GetJsEngine() }
func CreateJsEngine() (*engineRegistry.Instance, error)     { return Default().CreateJsEngine() }
func GetPythonEngine() (*engineRegistry.Instance, error)    { return Default().GetPythonEngine() }
func CreatePythonEngine() (*engineRegistry.Instance, error) { return Default().CreatePythonEngine() }
func GetLuaEngine() (*engineRegistry.Instance, error)       { return Default().GetLuaEngine() }
func CreateLuaEngine() (*engineRegistry.Instance, error)    { return Default().CreateLuaEngine() }
func GetGroovyEngine() (*engineRegistry.Instance, error)    { return Default().GetGroovyEngine() }
func CreateGroovyEngine() (*engineRegistry.Instance, error) { return Default().CreateGroovyEngine() }
