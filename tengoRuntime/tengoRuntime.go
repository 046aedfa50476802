package tengo_runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
)

const (
	EngineName = "tengo"

	// OutVariable holds the result of a statement script.
	OutVariable = "__out"
)

var errCompiledBindings = errors.New("compiled tengo scripts do not accept bindings")

// tengoEngine is stateless between evaluations, tengo has no global scope
// that outlives a compiled script. Scripts can import the tengo stdlib.
type tengoEngine struct {
	engineRegistry.InstanceAnchor

	modules *tengo.ModuleMap
}

type compiledScript struct {
	engine   *tengoEngine
	compiled *tengo.Compiled
}

func init() {
	engineRegistry.RegisterEngine(NewFactory())
}

func NewFactory() *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:   EngineName,
		LanguageName: "tengo",
		Names:        []string{"tengo", "Tengo"},
		Extensions:   []string{"tengo"},
		MimeTypes:    []string{"text/x-tengo"},
		New: func() (engineRegistry.Engine, error) {
			return &tengoEngine{
				modules: stdlib.GetModuleMap(stdlib.AllModuleNames()...),
			}, nil
		},
	}
}

func (e *tengoEngine) Name() string {
	return EngineName
}

// Eval returns the value of an expression, or of the __out variable when the
// source is a list of statements.
func (e *tengoEngine) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	variables := engineRegistry.ApplyEvalOptions(opts...).Context.Variables()

	compiled, err := e.compile(OutVariable+" := ("+source+")", variables)
	if err != nil {
		compiled, err = e.compile(source, variables)
	}
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	return run(ctx, compiled)
}

// Compile declares no external variables, evaluating the compiled script with
// bindings fails with errCompiledBindings.
func (e *tengoEngine) Compile(source string) (engineRegistry.CompiledScript, error) {
	compiled, err := e.compile(OutVariable+" := ("+source+")", nil)
	if err != nil {
		compiled, err = e.compile(source, nil)
	}
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, err)
	}
	return &compiledScript{engine: e, compiled: compiled}, nil
}

func (e *tengoEngine) compile(source string, variables engineRegistry.Bindings) (*tengo.Compiled, error) {
	script := tengo.NewScript([]byte(source))
	script.SetImports(e.modules)

	for _, name := range sortedNames(variables) {
		if err := script.Add(name, variables[name]); err != nil {
			return nil, err
		}
	}
	return script.Compile()
}

func sortedNames(variables engineRegistry.Bindings) []string {
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func run(ctx context.Context, compiled *tengo.Compiled) (interface{}, error) {
	if err := compiled.RunContext(ctx); err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	if !compiled.IsDefined(OutVariable) {
		return nil, nil
	}
	return compiled.Get(OutVariable).Value(), nil
}

func (c *compiledScript) Eval(ctx context.Context, opts ...engineRegistry.EvalOption) (interface{}, error) {
	if variables := engineRegistry.ApplyEvalOptions(opts...).Context.Variables(); len(variables) > 0 {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, fmt.Errorf("%w: got %v", errCompiledBindings, sortedNames(variables)))
	}
	return run(ctx, c.compiled.Clone())
}

func (c *compiledScript) Engine() engineRegistry.Engine {
	return c.engine
}
