// Package metrics exposes sync activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/salvacell/offsync/internal/models"
)

const namespace = "offsync"

// Sync records orchestrator activity. It satisfies the orchestrator's
// Recorder interface.
type Sync struct {
	registry     *prometheus.Registry
	passes       prometheus.Counter
	items        *prometheus.CounterVec
	queueActive  prometheus.Gauge
	passDuration prometheus.Histogram
}

// NewSync creates the collectors and registers them, plus the Go and
// process collectors, on a fresh registry.
func NewSync() *Sync {
	m := &Sync{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed sync passes.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Queue items handled by sync passes, by action and result.",
		}, []string{"action", "result"}),
		queueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_active",
			Help:      "Pending or failed queue items still under the retry cap.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of a sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.passes,
		m.items,
		m.queueActive,
		m.passDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObservePass records one finished pass.
func (m *Sync) ObservePass(d time.Duration) {
	m.passes.Inc()
	m.passDuration.Observe(d.Seconds())
}

// ObserveItem counts one queue item outcome.
func (m *Sync) ObserveItem(action models.Action, result string) {
	m.items.WithLabelValues(string(action), result).Inc()
}

// SetQueueActive sets the active queue gauge.
func (m *Sync) SetQueueActive(n int) {
	m.queueActive.Set(float64(n))
}

// Registry returns the registry holding the collectors.
func (m *Sync) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Sync) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
