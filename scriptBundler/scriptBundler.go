package script_bundler

import (
	"context"
	"errors"
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
)

const (
	EngineName = "esbuild"

	DefaultGlobalName = "__bundle__"
)

type (
	BundledContent struct {
		Source     []byte
		BundleHash string
		// GlobalName is the variable the bundle assigns the entry point exports to.
		GlobalName string
	}

	BundlerResult struct {
		Content           BundledContent
		Errors            []string
		CompilationErrors []api.Message
	}

	BundlerOptions struct {
		WorkingFolder string
		EntryPoint    string
		GlobalName    string
	}

	ScriptBundler interface {
		Bundle(ctx context.Context) BundlerResult
	}

	builder struct {
		bundleOptions BundlerOptions
	}

	pluginsContextKey struct{}
)

func NewScriptBundler(options BundlerOptions) ScriptBundler {
	if options.GlobalName == "" {
		options.GlobalName = DefaultGlobalName
	}
	return &builder{
		bundleOptions: options,
	}
}

// WithBundlerPlugins attaches esbuild plugins used by Bundle calls made with ctx.
func WithBundlerPlugins(ctx context.Context, plugins []api.Plugin) context.Context {
	return context.WithValue(ctx, pluginsContextKey{}, plugins)
}

func bundlerPlugins(ctx context.Context) []api.Plugin {
	plugins, _ := ctx.Value(pluginsContextKey{}).([]api.Plugin)
	return plugins
}

// Bundle resolves the entry point imports into one script for the JavaScript
// engine.
func (b *builder) Bundle(ctx context.Context) BundlerResult {
	opts := api.BuildOptions{
		Loader: map[string]api.Loader{
			".js":  api.LoaderJS,
			".mjs": api.LoaderJS,
			".cjs": api.LoaderJS,
			".tsx": api.LoaderTSX,
			".ts":  api.LoaderTS,
			".mts": api.LoaderTS,
		},
		AbsWorkingDir: b.bundleOptions.WorkingFolder,
		Target:        api.ES2017,
		Format:        api.FormatIIFE,
		GlobalName:    b.bundleOptions.GlobalName,
		LegalComments: api.LegalCommentsNone,
		Platform:      api.PlatformNeutral,
		LogLevel:      api.LogLevelSilent,
		Charset:       api.CharsetUTF8,
		EntryPoints:   []string{b.bundleOptions.EntryPoint},
		Bundle:        true,
		Write:         false,
		TreeShaking:   api.TreeShakingTrue,
		Outdir:        "output",
		Plugins:       bundlerPlugins(ctx),
	}
	tr := api.Build(opts)

	result := BundlerResult{}

	if len(tr.OutputFiles) > 0 {
		if len(tr.OutputFiles) > 1 {
			result.addError(errors.New("build produced multiple files, a single output is supported only"))
		}

		file := tr.OutputFiles[0]
		result.Content = BundledContent{
			Source:     file.Contents,
			BundleHash: file.Hash,
			GlobalName: b.bundleOptions.GlobalName,
		}
	}

	result.CompilationErrors = append(result.CompilationErrors, tr.Errors...)
	return result
}

func (br *BundlerResult) HasOutput() bool {
	return len(br.Content.Source) > 0
}

// Err reports the first bundling failure as a compile error, positioned at the
// offending source when esbuild knows it.
func (br *BundlerResult) Err() error {
	if len(br.CompilationErrors) > 0 {
		message := br.CompilationErrors[0]
		scriptErr := engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, errors.New(message.Text))
		if message.Location != nil {
			scriptErr = engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile,
				fmt.Errorf("%v: %v", message.Location.File, message.Text)).
				WithPosition(message.Location.Line, message.Location.Column+1)
		}
		return scriptErr
	}
	if len(br.Errors) > 0 {
		return engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, errors.New(br.Errors[0]))
	}
	if !br.HasOutput() {
		return engineRegistry.NewScriptError(EngineName, engineRegistry.OpCompile, errors.New("bundle produced no output"))
	}
	return nil
}

// Script is the bundle followed by a reference to its exports, so evaluating it
// yields the exports object.
func (br *BundlerResult) Script() string {
	return fmt.Sprintf("%s\n%s;", br.Content.Source, br.Content.GlobalName)
}

func (br *BundlerResult) addError(err error) {
	br.Errors = append(br.Errors, err.Error())
}
