package cache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics mirrors Statistics into Prometheus. A nil *metrics is a no-op so
// callers never branch on whether metrics are enabled.
type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	entries   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, component string) (*metrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voike", Subsystem: "cache", Name: name, Help: help, ConstLabels: labels,
		})
	}
	m := &metrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		sets:      counter("sets_total", "Total number of cache set operations"),
		deletes:   counter("deletes_total", "Total number of cache delete operations"),
		evictions: counter("evictions_total", "Total number of cache evictions"),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voike", Subsystem: "cache", Name: "size",
			Help: "Current number of entries in cache", ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.sets, m.deletes, m.evictions, m.entries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register cache metrics for %q: %w", component, err)
		}
	}
	return m, nil
}

func (m *metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *metrics) evict() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *metrics) set(n int) {
	if m != nil {
		m.sets.Inc()
		m.entries.Set(float64(n))
	}
}

func (m *metrics) delete(n int) {
	if m != nil {
		m.deletes.Inc()
		m.entries.Set(float64(n))
	}
}

func (m *metrics) size(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}
