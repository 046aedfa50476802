package engine_registry

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"weak"

	"github.com/stretchr/testify/assert"
)

type echoEngine struct {
	name string
}

func (e *echoEngine) Eval(_ context.Context, source string, _ ...EvalOption) (interface{}, error) {
	return e.name + ":" + source, nil
}

func testFactory(engineName string, names, extensions, mimeTypes []string) *Factory {
	return &Factory{
		EngineName: engineName,
		Names:      names,
		Extensions: extensions,
		MimeTypes:  mimeTypes,
		New: func() (Engine, error) {
			return &echoEngine{name: engineName}, nil
		},
	}
}

func TestResolveLookupOrder(t *testing.T) {
	registry := NewRegistry()
	registry.Register(testFactory("byMime", nil, nil, []string{"shared"}))
	registry.Register(testFactory("byExtension", nil, []string{"shared", "ext"}, nil))
	registry.Register(testFactory("byName", []string{"shared"}, nil, []string{"text/x-only"}))

	assert := assert.New(t)

	instance, err := registry.Resolve("shared")
	assert.Nil(err)
	assert.Equal("byName", instance.Factory().EngineName)
	assert.Equal("shared", instance.Identifier())

	instance, err = registry.Resolve("ext")
	assert.Nil(err)
	assert.Equal("byExtension", instance.Factory().EngineName)

	instance, err = registry.Resolve("text/x-only")
	assert.Nil(err)
	assert.Equal("byName", instance.Factory().EngineName)

	factory, ok := registry.Lookup("shared")
	assert.True(ok)
	assert.Equal("byName", factory.EngineName)

	_, ok = registry.Lookup("nothing")
	assert.False(ok)
}

func TestResolveNotFound(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Resolve("no-such-lang")

	assert := assert.New(t)
	assert.True(errors.Is(err, ErrEngineNotFound))
	var resolutionErr *ResolutionError
	assert.True(errors.As(err, &resolutionErr))
	assert.Equal("no-such-lang", resolutionErr.Identifier)
}

func TestResolveIsCaseSensitive(t *testing.T) {
	registry := NewRegistry()
	registry.Register(testFactory("js", []string{"js"}, nil, nil))
	_, err := registry.Resolve("JS")
	assert.ErrorIs(t, err, ErrEngineNotFound)
}

func TestConstructionFailureIsNotResolutionFailure(t *testing.T) {
	registry := NewRegistry()
	boom := errors.New("boom")
	registry.Register(&Factory{
		EngineName: "broken",
		Names:      []string{"broken"},
		New: func() (Engine, error) {
			return nil, boom
		},
	})

	_, err := registry.Resolve("broken")
	assert := assert.New(t)
	assert.ErrorIs(err, boom)
	assert.False(errors.Is(err, ErrEngineNotFound))
}

func TestRegisterReplacesInPlace(t *testing.T) {
	registry := NewRegistry()
	registry.Register(testFactory("a", []string{"x"}, nil, nil))
	registry.Register(testFactory("b", []string{"x"}, nil, nil))
	registry.Register(&Factory{
		EngineName: "a",
		Names:      []string{"x"},
		New: func() (Engine, error) {
			return &echoEngine{name: "a2"}, nil
		},
	})

	instance, err := registry.Resolve("x")
	assert := assert.New(t)
	assert.Nil(err)
	result, _ := instance.Eval(context.Background(), "src")
	assert.Equal("a2:src", result)
	assert.Len(registry.Factories(), 2)

	assert.True(registry.Unregister("a"))
	assert.False(registry.Unregister("a"))
	instance, _ = registry.Resolve("x")
	assert.Equal("b", instance.Factory().EngineName)
}

func TestDiscoveryOperations(t *testing.T) {
	registry := NewRegistry()
	registry.Register(testFactory("lua", []string{"lua"}, []string{"lua"}, []string{"text/x-lua"}))

	assert := assert.New(t)
	_, err := registry.ByName("lua")
	assert.Nil(err)
	_, err = registry.ByExtension("lua")
	assert.Nil(err)
	_, err = registry.ByMimeType("text/x-lua")
	assert.Nil(err)
	_, err = registry.ByMimeType("lua")
	assert.ErrorIs(err, ErrEngineNotFound)
}

func TestCloneIsIndependent(t *testing.T) {
	registry := NewRegistry()
	registry.Register(testFactory("a", []string{"a"}, nil, nil))
	clone := registry.Clone()
	clone.Register(testFactory("b", []string{"b"}, nil, nil))

	assert.Len(t, registry.Factories(), 1)
	assert.Len(t, clone.Factories(), 2)
}

func TestCapabilityQueriesUnwrapInstances(t *testing.T) {
	instance := NewInstance("echo", nil, &echoEngine{})
	assert := assert.New(t)
	_, ok := instance.AsCompilable()
	assert.False(ok)
	_, ok = AsInvocable(instance)
	assert.False(ok)
	assert.IsType(&echoEngine{}, Unwrap(instance))
}

func TestScriptContextVariables(t *testing.T) {
	sc := &ScriptContext{
		GlobalScope: Bindings{"a": 1, "b": 2},
		EngineScope: Bindings{"b": 3},
	}
	variables := sc.Variables()
	assert.Equal(t, Bindings{"a": 1, "b": 3}, variables)
}

func TestScriptErrorWrapping(t *testing.T) {
	cause := errors.New("ReferenceError: x is not defined")
	err := NewScriptError("goja", OpEval, cause).WithPosition(2, 5)

	assert := assert.New(t)
	assert.ErrorIs(err, ErrScript)
	assert.ErrorIs(err, cause)
	assert.Equal("goja eval error (line 2, col 5): ReferenceError: x is not defined", err.Error())
	assert.Same(err, NewScriptError("other", OpInvoke, err))
}

func TestSourceHashIsStable(t *testing.T) {
	assert.Equal(t, SourceHash("1+1"), SourceHash("1+1"))
	assert.NotEqual(t, SourceHash("1+1"), SourceHash("1+2"))
}

type (
	anchoredEngine struct {
		InstanceAnchor
		echoEngine
	}

	callableEngine struct {
		echoEngine
	}

	echoCompiled struct {
		engine Engine
		source string
	}
)

func (e *callableEngine) InvokeFunction(_ context.Context, name string, _ ...interface{}) (interface{}, error) {
	return name, nil
}

func (e *callableEngine) InvokeMethod(_ context.Context, _ interface{}, name string, _ ...interface{}) (interface{}, error) {
	return name, nil
}

func (e *callableEngine) Compile(source string) (CompiledScript, error) {
	return &echoCompiled{engine: e, source: source}, nil
}

func (c *echoCompiled) Eval(ctx context.Context, opts ...EvalOption) (interface{}, error) {
	return c.engine.Eval(ctx, c.source, opts...)
}

func (c *echoCompiled) Engine() Engine {
	return c.engine
}

func collect() {
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
}

func TestAnchoredEngineKeepsInstanceAlive(t *testing.T) {
	engine := &anchoredEngine{echoEngine: echoEngine{name: "anchored"}}
	assert := assert.New(t)
	assert.Nil(engine.BoundInstance())

	instance := NewInstance("anchored", nil, engine)
	assert.Same(instance, engine.BoundInstance())

	// handles derived from an anchored engine need no wrapper
	invocable, ok := instance.AsInvocable()
	assert.False(ok)
	assert.Nil(invocable)

	reference := weak.Make(instance)
	instance = nil
	collect()
	assert.NotNil(reference.Value())
	runtime.KeepAlive(engine)
}

func TestBoundHandlesKeepInstanceAlive(t *testing.T) {
	assert := assert.New(t)
	instance := NewInstance("callable", nil, &callableEngine{echoEngine{name: "callable"}})

	invocable, ok := AsInvocable(instance)
	assert.True(ok)
	assert.IsType(&boundInvocable{}, invocable)
	result, err := invocable.InvokeFunction(context.Background(), "run")
	assert.Nil(err)
	assert.Equal("run", result)

	compilable, ok := instance.AsCompilable()
	assert.True(ok)
	compiled, err := compilable.Compile("src")
	assert.Nil(err)
	assert.Same(instance, compiled.Engine())
	result, err = compiled.Eval(context.Background())
	assert.Nil(err)
	assert.Equal("callable:src", result)

	// a raw engine has nothing to bind
	raw, ok := AsInvocable(Unwrap(instance))
	assert.True(ok)
	assert.IsType(&callableEngine{}, raw)

	reference := weak.Make(instance)
	instance = nil
	collect()
	assert.NotNil(reference.Value())
	runtime.KeepAlive(invocable)
	runtime.KeepAlive(compiled)
}
