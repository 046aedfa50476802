package script_bundler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	_ "github.com/kinde-oss/script-runtime/gojaRuntime"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o600))
	}
	return root
}

func Test_ScriptBundler(t *testing.T) {
	root := writeProject(t, map[string]string{
		"lib.ts":  `export function double(value: number): number { return value * 2; }`,
		"main.ts": `import { double } from "./lib"; export function run(value: number) { return double(value) + 1; }`,
	})

	pluginSetupWasCalled := false
	ctx := WithBundlerPlugins(context.Background(), []api.Plugin{
		{
			Name: "smoke",
			Setup: func(build api.PluginBuild) {
				pluginSetupWasCalled = true
			},
		},
	})
	bundlerResult := NewScriptBundler(BundlerOptions{
		WorkingFolder: root,
		EntryPoint:    "main.ts",
	}).Bundle(ctx)

	assert := assert.New(t)
	assert.True(pluginSetupWasCalled, "plugin setup was not called")
	require.NoError(t, bundlerResult.Err())
	assert.True(bundlerResult.HasOutput())
	assert.NotEmpty(bundlerResult.Content.BundleHash)
	assert.Equal(DefaultGlobalName, bundlerResult.Content.GlobalName)

	engine, err := engineRegistry.ResolveEngine("js")
	require.NoError(t, err)
	exports, err := engine.Eval(context.Background(), bundlerResult.Script())
	require.NoError(t, err)
	invocable, ok := exports.(engineRegistry.Invocable)
	require.True(t, ok, "bundle exports should be invocable")

	result, err := invocable.InvokeFunction(context.Background(), "run", 2)
	assert.NoError(err)
	assert.EqualValues(5, result)
}

func Test_ScriptBundlerReportsCompilationErrors(t *testing.T) {
	root := writeProject(t, map[string]string{
		"main.ts": "import { missing } from \"./nowhere\";\nexport const value = missing;",
	})

	bundlerResult := NewScriptBundler(BundlerOptions{
		WorkingFolder: root,
		EntryPoint:    "main.ts",
	}).Bundle(context.Background())

	assert := assert.New(t)
	assert.NotEmpty(bundlerResult.CompilationErrors)

	err := bundlerResult.Err()
	assert.ErrorIs(err, engineRegistry.ErrScript)
	var scriptErr *engineRegistry.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(engineRegistry.OpCompile, scriptErr.Op)
	assert.Equal(1, scriptErr.Line)
}
