package goja_runtime

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/dop251/goja"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	"github.com/stretchr/testify/assert"
)

func newTestEngine(t *testing.T) *gojaEngine {
	t.Helper()
	engine, err := NewFactory().New()
	if err != nil {
		t.Fatal(err)
	}
	return engine.(*gojaEngine)
}

func TestEvalArithmetic(t *testing.T) {
	engine := newTestEngine(t)
	result, err := engine.Eval(context.Background(), "1+1")

	assert := assert.New(t)
	assert.Nil(err)
	assert.EqualValues(2, result)
}

func TestEvalKeepsGlobalState(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Eval(context.Background(), "var counter = 40;")
	assert := assert.New(t)
	assert.Nil(err)

	result, err := engine.Eval(context.Background(), "counter + 2")
	assert.Nil(err)
	assert.EqualValues(42, result)
}

func TestEvalWithBindingsRestoresGlobals(t *testing.T) {
	engine := newTestEngine(t)
	assert := assert.New(t)

	result, err := engine.Eval(context.Background(), "a * b", engineRegistry.WithBindings(engineRegistry.Bindings{"a": 6, "b": 7}))
	assert.Nil(err)
	assert.EqualValues(42, result)

	_, err = engine.Eval(context.Background(), "a")
	assert.ErrorIs(err, engineRegistry.ErrScript)
}

func TestEvalWithScriptContextCapturesOutput(t *testing.T) {
	engine := newTestEngine(t)
	var out, errOut bytes.Buffer

	_, err := engine.Eval(context.Background(), `console.log("hello", name); console.error("oops"); print("done")`,
		engineRegistry.WithScriptContext(&engineRegistry.ScriptContext{
			GlobalScope: engineRegistry.Bindings{"name": "global"},
			EngineScope: engineRegistry.Bindings{"name": "world"},
			Writer:      &out,
			ErrorWriter: &errOut,
		}))

	assert := assert.New(t)
	assert.Nil(err)
	assert.Equal("hello world\ndone\n", out.String())
	assert.Equal("oops\n", errOut.String())
}

func TestEvalScriptErrors(t *testing.T) {
	engine := newTestEngine(t)
	assert := assert.New(t)

	_, err := engine.Eval(context.Background(), "function (")
	assert.ErrorIs(err, engineRegistry.ErrScript)

	_, err = engine.Eval(context.Background(), `throw new Error("bad things")`)
	assert.ErrorIs(err, engineRegistry.ErrScript)
	assert.Contains(err.Error(), "bad things")
}

func TestEvalHonoursContextCancellation(t *testing.T) {
	engine := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := engine.Eval(ctx, "while (true) {}")

	assert := assert.New(t)
	assert.ErrorIs(err, engineRegistry.ErrScript)
	assert.ErrorIs(err, context.DeadlineExceeded)

	result, err := engine.Eval(context.Background(), "'still usable'")
	assert.Nil(err)
	assert.Equal("still usable", result)
}

func TestCompileReusesProgram(t *testing.T) {
	engine := newTestEngine(t)
	assert := assert.New(t)

	compiled, err := engine.Compile("x * 2")
	assert.Nil(err)
	assert.Same(engine, compiled.Engine())

	for i := 1; i <= 3; i++ {
		result, err := compiled.Eval(context.Background(), engineRegistry.WithBindings(engineRegistry.Bindings{"x": i}))
		assert.Nil(err)
		assert.EqualValues(i*2, result)
	}

	direct, err := engine.Eval(context.Background(), "x * 2", engineRegistry.WithBindings(engineRegistry.Bindings{"x": 3}))
	assert.Nil(err)
	assert.EqualValues(6, direct)

	_, err = engine.Compile("var = ;")
	assert.ErrorIs(err, engineRegistry.ErrScript)
}

func TestInvokeFunction(t *testing.T) {
	engine := newTestEngine(t)
	assert := assert.New(t)

	_, err := engine.Eval(context.Background(), "function add(a, b) { return a + b; }")
	assert.Nil(err)

	result, err := engine.InvokeFunction(context.Background(), "add", 40, 2)
	assert.Nil(err)
	assert.EqualValues(42, result)

	_, err = engine.InvokeFunction(context.Background(), "missing")
	assert.ErrorIs(err, engineRegistry.ErrScript)
	assert.Contains(err.Error(), "no such function: missing")
}

func TestEvalReturnsInvocableObject(t *testing.T) {
	engine := newTestEngine(t)
	assert := assert.New(t)

	result, err := engine.Eval(context.Background(), `({ factor: 3, times(x) { return x * this.factor; } })`)
	assert.Nil(err)

	object, ok := result.(*ScriptObject)
	if !assert.True(ok) {
		t.FailNow()
	}
	var invocable engineRegistry.Invocable = object
	value, err := invocable.InvokeFunction(context.Background(), "times", 5)
	assert.Nil(err)
	assert.EqualValues(15, value)

	plain, err := engine.Eval(context.Background(), `({ factor: 3 })`)
	assert.Nil(err)
	assert.Equal(map[string]interface{}{"factor": int64(3)}, plain)
}

func TestInvokeMethodOnGoValue(t *testing.T) {
	engine := newTestEngine(t)
	obj := engine.vm.NewObject()
	obj.Set("greet", func(name string) string { return "hi " + name })

	result, err := engine.InvokeMethod(context.Background(), obj, "greet", "bob")

	assert := assert.New(t)
	assert.Nil(err)
	assert.Equal("hi bob", result)

	_, err = engine.InvokeMethod(context.Background(), obj, "missing")
	assert.ErrorIs(err, engineRegistry.ErrScript)
}

func TestUrlModuleIsMounted(t *testing.T) {
	engine := newTestEngine(t)
	result, err := engine.Eval(context.Background(), `url.parse("https://kinde.com/x?a=1").searchParams.get("a")`)

	assert := assert.New(t)
	assert.Nil(err)
	assert.Equal("1", result)
}

func TestVmInterruptHandling(t *testing.T) {
	vm := goja.New()
	go func() {
		time.Sleep(100 * time.Millisecond)
		vm.Interrupt("test interrupt")
	}()
	_, err := vm.RunString("while (true) {}")
	assert.Error(t, err)
}

func TestTypeScriptEval(t *testing.T) {
	engine, err := NewTypeScriptFactory().New()
	assert := assert.New(t)
	assert.Nil(err)

	result, err := engine.Eval(context.Background(), `
		interface Claim { name: string; value: number }
		const claim: Claim = { name: "answer", value: 41 };
		function bump(c: Claim): number { return c.value + 1; }
		bump(claim);
	`)
	assert.Nil(err)
	assert.EqualValues(42, result)

	invocable, ok := engineRegistry.AsInvocable(engine)
	assert.True(ok)
	value, err := invocable.InvokeFunction(context.Background(), "bump", map[string]interface{}{"value": 1})
	assert.Nil(err)
	assert.EqualValues(2, value)
}

func TestTypeScriptSyntaxErrorCarriesPosition(t *testing.T) {
	engine, _ := NewTypeScriptFactory().New()
	_, err := engine.Eval(context.Background(), "const x: number = ;")

	assert := assert.New(t)
	assert.ErrorIs(err, engineRegistry.ErrScript)
	var scriptErr *engineRegistry.ScriptError
	assert.ErrorAs(err, &scriptErr)
	assert.Equal(1, scriptErr.Line)
	assert.Equal(engineRegistry.OpEval, scriptErr.Op)
}

func TestTypeScriptCompile(t *testing.T) {
	engine, _ := NewTypeScriptFactory().New()
	compilable, ok := engineRegistry.AsCompilable(engine)
	assert := assert.New(t)
	assert.True(ok)

	compiled, err := compilable.Compile("(n as number) + 1")
	assert.Nil(err)
	result, err := compiled.Eval(context.Background(), engineRegistry.WithBindings(engineRegistry.Bindings{"n": 1}))
	assert.Nil(err)
	assert.EqualValues(2, result)
}

func TestFactoriesAreRegistered(t *testing.T) {
	assert := assert.New(t)
	for _, id := range []string{"js", "javascript", "mjs", "text/javascript", "ts", "tsx", "application/typescript"} {
		instance, err := engineRegistry.ResolveEngine(id)
		assert.Nil(err, id)
		assert.NotNil(instance, id)
	}
}

func TestInvokeWritesOutput(t *testing.T) {
	engine := newTestEngine(t)
	assert := assert.New(t)
	assert.Same(os.Stdout, engine.output.out)
	assert.Same(os.Stderr, engine.output.errOut)

	_, err := engine.Eval(context.Background(), `
		function f() { console.log("from-invoke"); console.error("oops"); return 1; }
		var greeter = { hello: function () { print("hello"); return 2; } };
	`)
	assert.Nil(err)

	var out, errOut bytes.Buffer
	ctx := engineRegistry.ContextWithScriptContext(context.Background(), &engineRegistry.ScriptContext{Writer: &out, ErrorWriter: &errOut})
	result, err := engine.InvokeFunction(ctx, "f")
	assert.Nil(err)
	assert.EqualValues(1, result)
	assert.Equal("from-invoke\n", out.String())
	assert.Equal("oops\n", errOut.String())

	greeter, err := engine.Eval(context.Background(), "greeter")
	assert.Nil(err)
	result, err = engine.InvokeMethod(ctx, greeter, "hello")
	assert.Nil(err)
	assert.EqualValues(2, result)
	assert.Equal("from-invoke\nhello\n", out.String())
	assert.Same(os.Stdout, engine.output.out)
}
