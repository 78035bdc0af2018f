// Package metrics exposes partition store activity as Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so callers never branch on
// whether metrics were configured.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dynmesh"

// Metrics holds the collectors of one mesh.
type Metrics struct {
	slices           prometheus.Counter
	patches          prometheus.Gauge
	launches         prometheus.Counter
	retries          prometheus.Counter
	scratchBytes     prometheus.Histogram
	cleanupRepairs   prometheus.Counter
	validationErrors prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		slices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slices_total",
			Help:      "Total number of patches created by slicing",
		}),
		patches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "patches",
			Help:      "Current number of live patches",
		}),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of kernel launches",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_retries_total",
			Help:      "Total number of patches a kernel requeued",
		}),
		scratchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_scratch_bytes",
			Help:      "Per-block scratch bytes requested by kernel launches",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12),
		}),
		cleanupRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_repairs_total",
			Help:      "Total number of lookup entries rewritten by cleanup",
		}),
		validationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Total number of failed validations",
		}),
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.slices, m.patches, m.launches, m.retries,
		m.scratchBytes, m.cleanupRepairs, m.validationErrors,
	}
}

// Sliced records n new patches and the resulting patch count.
func (m *Metrics) Sliced(n int, numPatches uint32) {
	if m == nil {
		return
	}
	m.slices.Add(float64(n))
	m.patches.Set(float64(numPatches))
}

// SetPatches records the live patch count.
func (m *Metrics) SetPatches(n uint32) {
	if m == nil {
		return
	}
	m.patches.Set(float64(n))
}

// Launched records one kernel launch with its per-block scratch size.
func (m *Metrics) Launched(scratchBytes int) {
	if m == nil {
		return
	}
	m.launches.Inc()
	m.scratchBytes.Observe(float64(scratchBytes))
}

// Retried records n requeued patches.
func (m *Metrics) Retried(n int) {
	if m == nil || n == 0 {
		return
	}
	m.retries.Add(float64(n))
}

// Repaired records n lookup entries rewritten by cleanup.
func (m *Metrics) Repaired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.cleanupRepairs.Add(float64(n))
}

// ValidationFailed records one failed validation.
func (m *Metrics) ValidationFailed() {
	if m == nil {
		return
	}
	m.validationErrors.Inc()
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
