package script_runtime

import (
	"context"
	"fmt"

	runtimeConfig "github.com/kinde-oss/script-runtime/config"
	engineCache "github.com/kinde-oss/script-runtime/engineCache"
	_ "github.com/kinde-oss/script-runtime/exprRuntime"
	_ "github.com/kinde-oss/script-runtime/gojaRuntime"
	_ "github.com/kinde-oss/script-runtime/luaRuntime"
	_ "github.com/kinde-oss/script-runtime/ottoRuntime"
	engineRegistry "github.com/kinde-oss/script-runtime/registry"
	starlarkRuntime "github.com/kinde-oss/script-runtime/starlarkRuntime"
	_ "github.com/kinde-oss/script-runtime/tengoRuntime"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

type (
	// Scripts resolves engines from its registry and keeps the resolved
	// instances in a weak cache keyed by the requested identifier.
	Scripts struct {
		registry *engineRegistry.Registry
		cache    *engineCache.Cache[engineRegistry.Instance]
		config   *runtimeConfig.Config
		logger   zerolog.Logger
	}

	Option func(*options)

	options struct {
		logger        zerolog.Logger
		meterProvider metric.MeterProvider
		registry      *engineRegistry.Registry
		config        *runtimeConfig.Config
	}
)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = provider
	}
}

// WithRegistry replaces the registry populated by the bundled providers. The
// registry is copied, later registrations on it are not seen.
func WithRegistry(registry *engineRegistry.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

func WithConfig(config *runtimeConfig.Config) Option {
	return func(o *options) {
		o.config = config
	}
}

func New(opts ...Option) (*Scripts, error) {
	o := options{
		logger:   zerolog.Nop(),
		registry: engineRegistry.DefaultRegistry(),
		config:   runtimeConfig.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	config := *o.config
	if config.DefaultEngine == "" {
		config.DefaultEngine = runtimeConfig.DefaultEngine
	}
	o.config = &config

	registry := o.registry.Clone()
	if o.config.PythonImportSite {
		registry.Register(starlarkRuntime.NewFactory(starlarkRuntime.Options{ImportSite: true}))
	}
	for _, alias := range o.config.Aliases {
		target, ok := registry.Lookup(alias.Engine)
		if !ok {
			return nil, fmt.Errorf("alias %v: %w", alias.Name, &engineRegistry.ResolutionError{Identifier: alias.Engine})
		}
		registry.Register(aliasFactory(alias, target))
	}

	cacheOptions := []engineCache.Option{engineCache.WithLogger(o.logger)}
	if o.meterProvider != nil {
		cacheOptions = append(cacheOptions, engineCache.WithMeterProvider(o.meterProvider))
	}

	return &Scripts{
		registry: registry,
		cache:    engineCache.New[engineRegistry.Instance](cacheOptions...),
		config:   o.config,
		logger:   o.logger,
	}, nil
}

func aliasFactory(alias *runtimeConfig.Alias, target *engineRegistry.Factory) *engineRegistry.Factory {
	return &engineRegistry.Factory{
		EngineName:      alias.Name,
		EngineVersion:   target.EngineVersion,
		LanguageName:    target.LanguageName,
		LanguageVersion: target.LanguageVersion,
		Names:           append([]string{alias.Name}, alias.Names...),
		Extensions:      alias.Extensions,
		MimeTypes:       alias.MimeTypes,
		New:             target.New,
	}
}

// Register adds a provider to this Scripts only. Identifiers that failed to
// resolve before are retried on the next lookup.
func (s *Scripts) Register(factory *engineRegistry.Factory) {
	s.registry.Register(factory)
}

func (s *Scripts) Registry() *engineRegistry.Registry {
	return s.registry
}

// GetEngine returns the cached engine for the identifier, resolving it when
// no live instance is cached. Concurrent callers share one resolution.
func (s *Scripts) GetEngine(identifier string) (*engineRegistry.Instance, error) {
	instance, err := s.cache.GetOrCreate(identifier, func() (*engineRegistry.Instance, error) {
		return s.resolve(identifier)
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// CreateEngine always resolves a new engine and never touches the cache.
func (s *Scripts) CreateEngine(identifier string) (*engineRegistry.Instance, error) {
	return s.resolve(identifier)
}

func (s *Scripts) resolve(identifier string) (*engineRegistry.Instance, error) {
	instance, err := s.registry.Resolve(identifier)
	if err != nil {
		s.logger.Warn().Err(err).Str("identifier", identifier).Msg("failed to resolve script engine")
		return nil, err
	}
	s.logger.Debug().
		Str("identifier", identifier).
		Str("engine", instance.Factory().EngineName).
		Msg("resolved script engine")
	return instance, nil
}

// RemoveEngine drops the cached engine for the identifier.
func (s *Scripts) RemoveEngine(identifier string) {
	s.cache.Remove(identifier)
}

func (s *Scripts) ClearEngines() {
	s.cache.Clear()
}

// CachedEngines reports how many cached engines are still alive.
func (s *Scripts) CachedEngines() int {
	return s.cache.Len()
}

func (s *Scripts) defaultEngine() (*engineRegistry.Instance, error) {
	return s.GetEngine(s.config.DefaultEngine)
}

// Eval evaluates source on the default (JavaScript) engine.
func (s *Scripts) Eval(ctx context.Context, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	engine, err := s.defaultEngine()
	if err != nil {
		return nil, err
	}
	return s.EvalWith(ctx, engine, source, opts...)
}

// EvalWith evaluates source on engine. A ScriptContext attached to ctx with
// engineRegistry.ContextWithScriptContext applies unless opts set one.
func (s *Scripts) EvalWith(ctx context.Context, engine engineRegistry.Engine, source string, opts ...engineRegistry.EvalOption) (interface{}, error) {
	ctx, cancel := s.limit(ctx)
	defer cancel()

	opts = append([]engineRegistry.EvalOption{engineRegistry.WithScriptContext(engineRegistry.ScriptContextFrom(ctx))}, opts...)

	result, err := engine.Eval(ctx, source, opts...)
	if err != nil {
		return nil, engineRegistry.NewScriptError(engineRegistry.EngineName(engine), engineRegistry.OpEval, err)
	}
	return result, nil
}

// EvalInvocable evaluates source on the default engine and returns something
// functions can be invoked on: the result when it is invocable, else the
// engine itself.
func (s *Scripts) EvalInvocable(ctx context.Context, source string) (engineRegistry.Invocable, error) {
	engine, err := s.defaultEngine()
	if err != nil {
		return nil, err
	}
	return s.EvalInvocableWith(ctx, engine, source)
}

func (s *Scripts) EvalInvocableWith(ctx context.Context, engine engineRegistry.Engine, source string) (engineRegistry.Invocable, error) {
	result, err := s.EvalWith(ctx, engine, source)
	if err != nil {
		return nil, err
	}
	if invocable, ok := result.(engineRegistry.Invocable); ok {
		return invocable, nil
	}
	if invocable, ok := engineRegistry.AsInvocable(engine); ok {
		return invocable, nil
	}
	return nil, fmt.Errorf("%v: %w", engineRegistry.EngineName(engine), engineRegistry.ErrNotInvocable)
}

// Invoke evaluates source on the default engine and calls the named function.
func (s *Scripts) Invoke(ctx context.Context, source string, function string, args ...interface{}) (interface{}, error) {
	engine, err := s.defaultEngine()
	if err != nil {
		return nil, err
	}
	return s.InvokeWith(ctx, engine, source, function, args...)
}

func (s *Scripts) InvokeWith(ctx context.Context, engine engineRegistry.Engine, source string, function string, args ...interface{}) (interface{}, error) {
	engineName := engineRegistry.EngineName(engine)
	invocable, err := s.EvalInvocableWith(ctx, engine, source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(engineName, engineRegistry.OpInvoke, err)
	}

	ctx, cancel := s.limit(ctx)
	defer cancel()
	result, err := invocable.InvokeFunction(ctx, function, args...)
	if err != nil {
		return nil, engineRegistry.NewScriptError(engineName, engineRegistry.OpInvoke, err)
	}
	return result, nil
}

// Compile returns nil without error when the engine cannot precompile.
func (s *Scripts) Compile(engine engineRegistry.Engine, source string) (engineRegistry.CompiledScript, error) {
	compilable, ok := engineRegistry.AsCompilable(engine)
	if !ok {
		return nil, nil
	}
	compiled, err := compilable.Compile(source)
	if err != nil {
		return nil, engineRegistry.NewScriptError(engineRegistry.EngineName(engine), engineRegistry.OpCompile, err)
	}
	return compiled, nil
}

func (s *Scripts) CompileJs(source string) (engineRegistry.CompiledScript, error) {
	engine, err := s.defaultEngine()
	if err != nil {
		return nil, err
	}
	return s.Compile(engine, source)
}

// limit applies max_execution_duration to contexts without a deadline.
func (s *Scripts) limit(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.MaxExecutionDuration <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.MaxExecutionDuration)
}
