package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestEngineSelectedByExtension(t *testing.T) {
	cases := map[string]string{
		"sum.lua":  "return 1 + 2",
		"sum.js":   "1 + 2",
		"sum.py":   "1 + 2",
		"sum.expr": "1 + 2",
	}
	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			output, err := runCLI(t, writeScript(t, name, source))
			assert.NoError(t, err)
			assert.Equal(t, "3\n", output)
		})
	}
}

func TestInlineSourceWithEngine(t *testing.T) {
	output, err := runCLI(t, "-engine", "tengo", "-e", `"a" + "b"`)
	assert.NoError(t, err)
	assert.Equal(t, "ab\n", output)

	output, err = runCLI(t, "-e", `console.log("from script"); undefined`)
	assert.NoError(t, err)
	assert.Equal(t, "from script\n", output)
}

func TestCallFunction(t *testing.T) {
	path := writeScript(t, "math.js", "function add(a, b) { return a + b; }")

	output, err := runCLI(t, path, "-call", "add", "2", "3")
	assert.NoError(t, err)
	assert.Equal(t, "5\n", output)

	output, err = runCLI(t, "-call", "add", path, `"x"`, `"y"`)
	assert.NoError(t, err)
	assert.Equal(t, "xy\n", output)
}

func TestCallFunctionOutputReachesStdout(t *testing.T) {
	output, err := runCLI(t, "-e", `console.log("loading"); function greet(name) { console.log("greeting", name); return "done"; }`, "-call", "greet", `"kinde"`)
	assert.NoError(t, err)
	assert.Equal(t, "loading\ngreeting kinde\ndone\n", output)
}

func TestConfigAlias(t *testing.T) {
	config := writeScript(t, "scripts.hcl", `
alias "node" {
  engine     = "js"
  extensions = ["es6"]
}
`)
	output, err := runCLI(t, "-config", config, writeScript(t, "value.es6", "[1, 2, 3].length"))
	assert.NoError(t, err)
	assert.Equal(t, "3\n", output)
}

func TestErrors(t *testing.T) {
	_, err := runCLI(t, "-engine", "groovy", "-e", "1")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	_, err = runCLI(t, "-e", "throw new Error('bad')")
	assert.ErrorIs(t, err, engineRegistry.ErrScript)

	_, err = runCLI(t, "-log-format", "xml", "-e", "1")
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	_, err = runCLI(t, "-e", "1", "stray")
	require.ErrorAs(t, err, &exitErr)

	_, err = runCLI(t, filepath.Join(t.TempDir(), "missing.js"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUsageWithoutSource(t *testing.T) {
	output, err := runCLI(t)
	assert.NoError(t, err)
	assert.Contains(t, output, "Usage:")
}

func TestDiscoveredConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "scriptrun.hcl"), []byte(`
alias "legacy" {
  engine     = "lua"
  extensions = ["luac"]
}
`), 0o600))
	script := filepath.Join(root, "job.luac")
	require.NoError(t, os.WriteFile(script, []byte("return 'found'"), 0o600))

	output, err := runCLI(t, script)
	assert.NoError(t, err)
	assert.Equal(t, "found\n", output)
}

func TestBundleAndCall(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "greet.ts"), []byte(`export const greet = (name: string): string => "hello " + name;`), 0o600))
	entry := filepath.Join(root, "main.ts")
	require.NoError(t, os.WriteFile(entry, []byte(`import { greet } from "./greet"; export function welcome(name: string) { return greet(name) + "!"; }`), 0o600))

	output, err := runCLI(t, "-bundle", entry, "-call", "welcome", `"kinde"`)
	assert.NoError(t, err)
	assert.Equal(t, "hello kinde!\n", output)

	_, err = runCLI(t, "-bundle", "-e", "1")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
}
