package goja_runtime

import (
	"context"
	"errors"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
)

const TypeScriptEngineName = "goja-typescript"

// typeScriptEngine transpiles with esbuild and runs the output on goja.
// Function invocation is inherited from the embedded JavaScript engine.
type typeScriptEngine struct {
	*gojaEngine
}

func NewTypeScriptFactory() *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:      TypeScriptEngineName,
		LanguageName:    "TypeScript",
		LanguageVersion: "5",
		Names:           []string{"ts", "typescript", "TypeScript"},
		Extensions:      []string{"ts", "tsx", "mts"},
		MimeTypes:       []string{"application/typescript", "text/typescript"},
		New: func() (engineRegistry.Engine, error) {
			return &typeScriptEngine{gojaEngine: newGojaEngine(TypeScriptEngineName)}, nil
		},
	}
}

func (e *typeScriptEngine) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	transpiled, err := transpile(source)
	if err != nil {
		return nil, e.wrapTranspileError(engineRegistry.OpEval, err)
	}
	return e.gojaEngine.Eval(ctx, transpiled, opts...)
}

func (e *typeScriptEngine) Compile(source string) (engineRegistry.CompiledScript, error) {
	transpiled, err := transpile(source)
	if err != nil {
		return nil, e.wrapTranspileError(engineRegistry.OpCompile, err)
	}
	return e.gojaEngine.Compile(transpiled)
}

type transpileError struct {
	messages []api.Message
}

func (e *transpileError) Error() string {
	texts := make([]string, 0, len(e.messages))
	for _, message := range e.messages {
		texts = append(texts, message.Text)
	}
	return strings.Join(texts, "; ")
}

func transpile(source string) (string, error) {
	tr := api.Transform(source, api.TransformOptions{
		Loader:        api.LoaderTS,
		Target:        api.ES2017,
		Format:        api.FormatDefault,
		LegalComments: api.LegalCommentsNone,
		Charset:       api.CharsetUTF8,
		LogLevel:      api.LogLevelSilent,
		Sourcefile:    "<eval>.ts",
	})
	if len(tr.Errors) > 0 {
		return "", &transpileError{messages: tr.Errors}
	}
	return string(tr.Code), nil
}

func (e *typeScriptEngine) wrapTranspileError(op engineRegistry.Operation, err error) error {
	scriptErr := engineRegistry.NewScriptError(e.name, op, err)
	var te *transpileError
	if errors.As(err, &te) {
		if location := te.messages[0].Location; location != nil {
			scriptErr.WithPosition(location.Line, location.Column+1)
		}
	}
	return scriptErr
}
