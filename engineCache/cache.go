package engine_cache

import (
	"errors"
	"runtime"
	"sync"
	"weak"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

var errNilValue = errors.New("engine cache: loader returned nil value")

type (
	// Cache maps a key to a weakly held value. A value stays cached only as long
	// as something outside the cache references it; afterwards the entry is
	// dropped and the next GetOrCreate builds a new one.
	Cache[T any] struct {
		entries map[string]weak.Pointer[T]
		lock    sync.Mutex
		group   singleflight.Group
		logger  zerolog.Logger
		metrics *cacheMetrics
	}

	Option func(*options)

	options struct {
		name          string
		logger        zerolog.Logger
		meterProvider metric.MeterProvider
	}

	entryRef[T any] struct {
		key     string
		pointer weak.Pointer[T]
	}
)

func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

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

func New[T any](opts ...Option) *Cache[T] {
	o := options{
		name:   "engines",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	logger := o.logger.With().Str("cache", o.name).Logger()
	metrics, err := newCacheMetrics(o.meterProvider.Meter(meterName), o.name)
	if err != nil {
		logger.Warn().Err(err).Msg("cache metrics disabled")
		metrics = noopCacheMetrics()
	}

	return &Cache[T]{
		entries: map[string]weak.Pointer[T]{},
		logger:  logger,
		metrics: metrics,
	}
}

// Get returns the live value for key without creating one.
func (c *Cache[T]) Get(key string) (*T, bool) {
	value, ok := c.load(key)
	if ok {
		c.metrics.hit()
	}
	return value, ok
}

// GetOrCreate returns the live value for key or builds it with create.
// Concurrent callers for the same missing key share a single create call and
// all observe its value or its error. Errors are not cached.
func (c *Cache[T]) GetOrCreate(key string, create func() (*T, error)) (*T, error) {
	if value, ok := c.load(key); ok {
		c.metrics.hit()
		c.logger.Debug().Str("key", key).Msg("cache hit")
		return value, nil
	}
	c.metrics.miss()

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		// populated by a flight that finished after our first lookup
		if value, ok := c.load(key); ok {
			return value, nil
		}
		value, err := create()
		if err != nil {
			c.metrics.failure()
			return nil, err
		}
		if value == nil {
			c.metrics.failure()
			return nil, errNilValue
		}
		c.store(key, value)
		c.metrics.creation()
		c.logger.Debug().Str("key", key).Msg("cache entry created")
		return value, nil
	})
	if err != nil {
		c.logger.Debug().Str("key", key).Bool("shared", shared).Err(err).Msg("cache entry creation failed")
		return nil, err
	}
	return result.(*T), nil
}

// Remove drops the entry for key, the value itself is left untouched.
func (c *Cache[T]) Remove(key string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

func (c *Cache[T]) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries = map[string]weak.Pointer[T]{}
}

// Len counts entries whose value is still reachable.
func (c *Cache[T]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	count := 0
	for _, pointer := range c.entries {
		if pointer.Value() != nil {
			count++
		}
	}
	return count
}

func (c *Cache[T]) load(key string) (*T, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	pointer, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	value := pointer.Value()
	if value == nil {
		// collected before its cleanup ran, the cleanup will find nothing to delete
		delete(c.entries, key)
		c.reclaimed(key)
		return nil, false
	}
	return value, true
}

func (c *Cache[T]) store(key string, value *T) {
	pointer := weak.Make(value)
	c.lock.Lock()
	c.entries[key] = pointer
	c.lock.Unlock()
	runtime.AddCleanup(value, c.reclaim, entryRef[T]{key: key, pointer: pointer})
}

// reclaim runs after the value behind ref is collected. An entry removed or
// replaced in the meantime is left alone and not counted.
func (c *Cache[T]) reclaim(ref entryRef[T]) {
	c.lock.Lock()
	current, ok := c.entries[ref.key]
	deleted := ok && current == ref.pointer
	if deleted {
		delete(c.entries, ref.key)
	}
	c.lock.Unlock()

	if deleted {
		c.reclaimed(ref.key)
	}
}

func (c *Cache[T]) reclaimed(key string) {
	c.metrics.reclaim()
	c.logger.Debug().Str("key", key).Msg("cache entry reclaimed")
}
