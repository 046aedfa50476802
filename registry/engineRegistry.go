package engine_registry

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"io"
	"os"
	"sync"
)

type (
	// Bindings are name/value pairs exposed to a script as global variables.
	Bindings map[string]interface{}

	// ScriptContext is the environment a script is evaluated against.
	// Names in EngineScope shadow the same names in GlobalScope.
	ScriptContext struct {
		EngineScope Bindings
		GlobalScope Bindings
		Writer      io.Writer
		ErrorWriter io.Writer
	}

	EvalOptions struct {
		Context *ScriptContext
	}

	EvalOption func(*EvalOptions)

	// Engine is a handle to a scripting runtime. Every engine can evaluate
	// source, additional capabilities are exposed through Compilable and
	// Invocable and discovered with a type check.
	Engine interface {
		Eval(ctx context.Context, source string, opts ...EvalOption) (interface{}, error)
	}

	// Compilable engines produce a reusable compiled form of a script.
	Compilable interface {
		Compile(source string) (CompiledScript, error)
	}

	CompiledScript interface {
		Eval(ctx context.Context, opts ...EvalOption) (interface{}, error)
		Engine() Engine
	}

	// Invocable engines (or evaluation results) can call functions that were
	// defined by previously evaluated scripts.
	Invocable interface {
		InvokeFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error)
		InvokeMethod(ctx context.Context, object interface{}, name string, args ...interface{}) (interface{}, error)
	}

	Factory struct {
		EngineName      string
		EngineVersion   string
		LanguageName    string
		LanguageVersion string
		Names           []string
		Extensions      []string
		MimeTypes       []string
		New             func() (Engine, error)
	}

	// Instance is the stable handle given out by the resolver. It is the unit
	// tracked by the engine cache: once nothing references the *Instance,
	// directly or through its engine, it can be reclaimed.
	Instance struct {
		Engine
		identifier string
		factory    *Factory
	}

	// InstanceAnchor is embedded by provider engines. NewInstance binds the
	// engine to its Instance, so compiled scripts, invocable results and the
	// engine itself all keep the Instance reachable.
	InstanceAnchor struct {
		instance *Instance
	}

	anchored interface {
		BindInstance(instance *Instance)
		BoundInstance() *Instance
	}

	// boundInvocable and boundCompilable keep the Instance of an engine
	// without an InstanceAnchor reachable from the handles given out for it.
	boundInvocable struct {
		Invocable
		instance *Instance
	}

	boundCompilable struct {
		compilable Compilable
		instance   *Instance
	}

	boundCompiledScript struct {
		CompiledScript
		instance *Instance
	}

	scriptContextKey struct{}

	Registry struct {
		factories []*Factory
		lock      sync.RWMutex
	}
)

func WithBindings(bindings Bindings) EvalOption {
	return func(o *EvalOptions) {
		o.Context = &ScriptContext{EngineScope: bindings}
	}
}

func WithScriptContext(scriptContext *ScriptContext) EvalOption {
	return func(o *EvalOptions) {
		o.Context = scriptContext
	}
}

// ContextWithScriptContext attaches a ScriptContext to ctx. Engines write the
// output of invoked functions to its writers.
func ContextWithScriptContext(ctx context.Context, scriptContext *ScriptContext) context.Context {
	return context.WithValue(ctx, scriptContextKey{}, scriptContext)
}

// ScriptContextFrom returns the ScriptContext attached to ctx, or an empty one
// writing to the process stdout and stderr.
func ScriptContextFrom(ctx context.Context) *ScriptContext {
	if scriptContext, ok := ctx.Value(scriptContextKey{}).(*ScriptContext); ok && scriptContext != nil {
		return scriptContext
	}
	return &ScriptContext{}
}

func ApplyEvalOptions(opts ...EvalOption) EvalOptions {
	result := EvalOptions{}
	for _, opt := range opts {
		opt(&result)
	}
	if result.Context == nil {
		result.Context = &ScriptContext{}
	}
	return result
}

// Variables flattens both scopes, engine scope wins.
func (sc *ScriptContext) Variables() Bindings {
	result := Bindings{}
	for name, value := range sc.GlobalScope {
		result[name] = value
	}
	for name, value := range sc.EngineScope {
		result[name] = value
	}
	return result
}

func (sc *ScriptContext) Output() io.Writer {
	if sc.Writer == nil {
		return os.Stdout
	}
	return sc.Writer
}

func (sc *ScriptContext) ErrorOutput() io.Writer {
	if sc.ErrorWriter == nil {
		return os.Stderr
	}
	return sc.ErrorWriter
}

// Identifier is the name, extension or mime type the instance was resolved for.
func (i *Instance) Identifier() string {
	return i.identifier
}

func (i *Instance) Factory() *Factory {
	return i.factory
}

func (i *Instance) AsCompilable() (Compilable, bool) {
	return AsCompilable(i)
}

func (i *Instance) AsInvocable() (Invocable, bool) {
	return AsInvocable(i)
}

func NewInstance(identifier string, factory *Factory, engine Engine) *Instance {
	instance := &Instance{
		Engine:     engine,
		identifier: identifier,
		factory:    factory,
	}
	if anchor, ok := engine.(anchored); ok {
		anchor.BindInstance(instance)
	}
	return instance
}

func (a *InstanceAnchor) BindInstance(instance *Instance) {
	a.instance = instance
}

// BoundInstance is nil for engines created outside a registry.
func (a *InstanceAnchor) BoundInstance() *Instance {
	return a.instance
}

// needsBinding reports whether handles derived from engine must carry the
// instance themselves.
func needsBinding(engine Engine) (*Instance, bool) {
	instance, ok := engine.(*Instance)
	if !ok || instance == nil {
		return nil, false
	}
	if anchor, ok := Unwrap(instance).(anchored); ok && anchor.BoundInstance() == instance {
		return nil, false
	}
	return instance, true
}

// Unwrap returns the provider engine behind an *Instance.
func Unwrap(engine Engine) Engine {
	for {
		instance, ok := engine.(*Instance)
		if !ok || instance == nil {
			return engine
		}
		engine = instance.Engine
	}
}

func AsCompilable(engine Engine) (Compilable, bool) {
	compilable, ok := Unwrap(engine).(Compilable)
	if !ok {
		return nil, false
	}
	if instance, ok := needsBinding(engine); ok {
		return &boundCompilable{compilable: compilable, instance: instance}, true
	}
	return compilable, true
}

func AsInvocable(engine Engine) (Invocable, bool) {
	invocable, ok := Unwrap(engine).(Invocable)
	if !ok {
		return nil, false
	}
	if instance, ok := needsBinding(engine); ok {
		return &boundInvocable{Invocable: invocable, instance: instance}, true
	}
	return invocable, true
}

func (c *boundCompilable) Compile(source string) (CompiledScript, error) {
	compiled, err := c.compilable.Compile(source)
	if err != nil {
		return nil, err
	}
	return &boundCompiledScript{CompiledScript: compiled, instance: c.instance}, nil
}

func (c *boundCompiledScript) Engine() Engine {
	return c.instance
}

// EngineName returns the factory engine name for instances, "unknown" otherwise.
func EngineName(engine Engine) string {
	if instance, ok := engine.(*Instance); ok && instance.factory != nil {
		return instance.factory.EngineName
	}
	if named, ok := Unwrap(engine).(interface{ Name() string }); ok {
		return named.Name()
	}
	return "unknown"
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a factory, a factory with the same EngineName is replaced in place
// so lookup priority stays the same.
func (r *Registry) Register(factory *Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, existing := range r.factories {
		if existing.EngineName == factory.EngineName {
			r.factories[i] = factory
			return
		}
	}
	r.factories = append(r.factories, factory)
}

func (r *Registry) Unregister(engineName string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, existing := range r.factories {
		if existing.EngineName == engineName {
			r.factories = append(r.factories[:i], r.factories[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) Factories() []*Factory {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]*Factory(nil), r.factories...)
}

// Clone copies the registrations, factories themselves are shared.
func (r *Registry) Clone() *Registry {
	return &Registry{factories: r.Factories()}
}

func (r *Registry) LookupByName(name string) (*Factory, bool) {
	return r.lookup(name, func(f *Factory) []string { return f.Names })
}

func (r *Registry) LookupByExtension(extension string) (*Factory, bool) {
	return r.lookup(extension, func(f *Factory) []string { return f.Extensions })
}

func (r *Registry) LookupByMimeType(mimeType string) (*Factory, bool) {
	return r.lookup(mimeType, func(f *Factory) []string { return f.MimeTypes })
}

func (r *Registry) lookup(key string, keys func(*Factory) []string) (*Factory, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, factory := range r.factories {
		for _, candidate := range keys(factory) {
			if candidate == key {
				return factory, true
			}
		}
	}
	return nil, false
}

func (r *Registry) ByName(name string) (*Instance, error) {
	return r.instantiate(name, r.LookupByName)
}

func (r *Registry) ByExtension(extension string) (*Instance, error) {
	return r.instantiate(extension, r.LookupByExtension)
}

func (r *Registry) ByMimeType(mimeType string) (*Instance, error) {
	return r.instantiate(mimeType, r.LookupByMimeType)
}

func (r *Registry) instantiate(identifier string, lookup func(string) (*Factory, bool)) (*Instance, error) {
	factory, ok := lookup(identifier)
	if !ok {
		return nil, &ResolutionError{Identifier: identifier}
	}
	return factory.instantiate(identifier)
}

// Lookup finds the factory for an identifier taken as a name, then as an
// extension, then as a mime type.
func (r *Registry) Lookup(identifier string) (*Factory, bool) {
	for _, lookup := range []func(string) (*Factory, bool){r.LookupByName, r.LookupByExtension, r.LookupByMimeType} {
		if factory, ok := lookup(identifier); ok {
			return factory, true
		}
	}
	return nil, false
}

// Resolve instantiates the factory found by Lookup.
func (r *Registry) Resolve(identifier string) (*Instance, error) {
	return r.instantiate(identifier, r.Lookup)
}

func (f *Factory) instantiate(identifier string) (*Instance, error) {
	engine, err := f.New()
	if err != nil {
		return nil, fmt.Errorf("error creating %v engine: %w", f.EngineName, err)
	}
	return NewInstance(identifier, f, engine), nil
}

var defaultRegistry = NewRegistry()

// RegisterEngine adds a factory to the default registry, providers call it from init.
func RegisterEngine(factory *Factory) {
	defaultRegistry.Register(factory)
}

// ResolveEngine resolves from the default registry.
func ResolveEngine(identifier string) (*Instance, error) {
	return defaultRegistry.Resolve(identifier)
}

func DefaultRegistry() *Registry {
	return defaultRegistry
}

// SourceHash returns a stable key for compiled program caches.
func SourceHash(source string) string {
	sha := sha256.New()
	sha.Write([]byte(source))
	return base32.StdEncoding.EncodeToString(sha.Sum(nil))
}
