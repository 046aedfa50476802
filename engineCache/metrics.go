package engine_cache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/kinde-oss/script-runtime/engineCache"

type cacheMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	creations metric.Int64Counter
	failures  metric.Int64Counter
	reclaimed metric.Int64Counter
	attrs     metric.MeasurementOption
}

func newCacheMetrics(meter metric.Meter, name string) (*cacheMetrics, error) {
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{name: "engine.cache.hits", description: "Lookups served from a live cache entry"},
		{name: "engine.cache.misses", description: "Lookups that found no live cache entry"},
		{name: "engine.cache.creations", description: "Engines created and published to the cache"},
		{name: "engine.cache.failures", description: "Failed engine creations"},
		{name: "engine.cache.reclaimed", description: "Entries dropped after their engine became unreachable"},
	}

	m := &cacheMetrics{
		attrs: metric.WithAttributes(attribute.String("cache.name", name)),
	}
	counters[0].target = &m.hits
	counters[1].target = &m.misses
	counters[2].target = &m.creations
	counters[3].target = &m.failures
	counters[4].target = &m.reclaimed

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("{call}"),
		)
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return m, nil
}

func noopCacheMetrics() *cacheMetrics {
	m, _ := newCacheMetrics(noop.NewMeterProvider().Meter(meterName), "")
	return m
}

func (m *cacheMetrics) hit()      { m.hits.Add(context.Background(), 1, m.attrs) }
func (m *cacheMetrics) miss()     { m.misses.Add(context.Background(), 1, m.attrs) }
func (m *cacheMetrics) creation() { m.creations.Add(context.Background(), 1, m.attrs) }
func (m *cacheMetrics) failure()  { m.failures.Add(context.Background(), 1, m.attrs) }
func (m *cacheMetrics) reclaim()  { m.reclaimed.Add(context.Background(), 1, m.attrs) }
