// Package metrics wraps github.com/prometheus/client_golang behind the same
// Counter/Gauge/Histogram vocabulary own hand-rolled pkg/metrics
// uses, so call sites read identically, but registration and export now go
// through the corpus-standard Prometheus client instead of an ad hoc atomic
// struct with no scrape endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns one Prometheus registry plus the named collectors this
// module's subsystems (mpt, archive, evmjit, staking) register against it.
// A single process-wide Registry is normal; tests construct their own to
// avoid colliding with the default Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	counters map[string]*prometheus.CounterVec
	gauges map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry returns an empty Registry backed by a fresh
// prometheus.Registry (not the global DefaultRegisterer, so multiple
// Registries — e.g. one per test — never collide).
func NewRegistry() *Registry {
	return &Registry{
		reg: prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges: make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler
// (promhttp.HandlerFor(reg.Gatherer(), ...)).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Counter returns (registering on first use) a monotonic counter named
// name, labeled by labelNames.
func (r *Registry) Counter(name, help string, labelNames ...string) *prometheus.CounterVec {
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Gauge returns (registering on first use) a gauge named name.
func (r *Registry) Gauge(name, help string, labelNames ...string) *prometheus.GaugeVec {
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

// Histogram returns (registering on first use) a histogram named name with
// the given bucket boundaries.
func (r *Registry) Histogram(name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}
