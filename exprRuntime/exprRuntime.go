package expr_runtime

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
)

const EngineName = "expr"

// exprEngine evaluates expr-lang expressions. Expressions always terminate,
// so ctx is only checked before running.
type exprEngine struct {
	engineRegistry.InstanceAnchor
}

type compiledExpression struct {
	engine  *exprEngine
	program *vm.Program
}

func init() {
	engineRegistry.RegisterEngine(NewFactory())
}

func NewFactory() *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:   EngineName,
		LanguageName: "expr",
		Names:        []string{"expr", "expr-lang"},
		Extensions:   []string{"expr"},
		MimeTypes:    []string{"text/x-expr"},
		New: func() (engineRegistry.Engine, error) {
			return &exprEngine{}, nil
		},
	}
}

func (e *exprEngine) Name() string {
	return EngineName
}

func (e *exprEngine) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	program, err := compile(source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	return run(ctx, program, opts)
}

func (e *exprEngine) Compile(source string) (engineRegistry.CompiledScript, error) {
	program, err := compile(source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, err)
	}
	return &compiledExpression{engine: e, program: program}, nil
}

func compile(source string) (*vm.Program, error) {
	return expr.Compile(source, expr.AllowUndefinedVariables())
}

func run(ctx context.Context, program *vm.Program, opts []engineRegistry.EvalOption) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	env := map[string]interface{}(engineRegistry.ApplyEvalOptions(opts...).Context.Variables())
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, engineRegistry.NewScriptError(EngineName, engineRegistry.OpEval, err)
	}
	return result, nil
}

func (c *compiledExpression) Eval(ctx context.Context, opts ...engineRegistry.EvalOption) (interface{}, error) {
	return run(ctx, c.program, opts)
}

func (c *compiledExpression) Engine() engineRegistry.Engine {
	return c.engine
}
