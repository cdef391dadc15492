// Package metrics exposes the controller's Prometheus collectors. Grounded
// on the teacher's internal/metrics package (the same Counter/Histogram/
// Gauge shape, promhttp.Handler mounted on its own port), renamed from the
// job-queue domain to the registry/route/reap domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the controller emits.
type Collector struct {
	WorkersTotal       prometheus.Gauge
	CapabilitiesTotal  prometheus.Gauge
	RouteRequestsTotal *prometheus.CounterVec
	RouteLatency       prometheus.Histogram
	ReapRemovedTotal   prometheus.Counter
	LogAppendErrors    prometheus.Counter
}

// New registers and returns a Collector on its own registry, so the
// metrics endpoint never shares default-registry state with anything else
// in process.
func New() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	c := &Collector{
		WorkersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_workers_total",
			Help: "Current number of registered workers.",
		}),
		CapabilitiesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_capabilities_total",
			Help: "Current number of distinct capability keys in the index.",
		}),
		RouteRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "route_requests_total",
			Help: "Total /route requests by outcome.",
		}, []string{"outcome"}),
		RouteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "route_latency_seconds",
			Help:    "Latency of /route requests.",
			Buckets: prometheus.DefBuckets,
		}),
		ReapRemovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reap_removed_total",
			Help: "Total workers removed by StaleReaper.",
		}),
		LogAppendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recoverylog_append_errors_total",
			Help: "Total recovery log append failures.",
		}),
	}

	reg.MustRegister(c.WorkersTotal, c.CapabilitiesTotal, c.RouteRequestsTotal, c.RouteLatency, c.ReapRemovedTotal, c.LogAppendErrors)
	return c, reg
}

// Handler returns the promhttp handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve mounts the metrics handler on its own plaintext listener, grounded
// on the teacher's metrics.Serve (http.Handle("/metrics", ...) +
// http.ListenAndServe on a dedicated addr). This port carries no capability
// or worker payload data, only counters/gauges, so it is exempt from the
// mTLS invariant that governs HTTPService's surface: the "no HTTP escape
// hatch" rule binds the controller's registry/route protocol, not its
// scrape endpoint.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	return http.ListenAndServe(addr, mux)
}

// SetWorkersTotal implements registry.MetricsSink.
func (c *Collector) SetWorkersTotal(n int) { c.WorkersTotal.Set(float64(n)) }

// SetCapabilitiesTotal implements registry.MetricsSink.
func (c *Collector) SetCapabilitiesTotal(n int) { c.CapabilitiesTotal.Set(float64(n)) }

// IncLogAppendError implements registry.MetricsSink.
func (c *Collector) IncLogAppendError() { c.LogAppendErrors.Add(1) }

// IncReapRemoved implements reaper.MetricsSink.
func (c *Collector) IncReapRemoved(n int) { c.ReapRemovedTotal.Add(float64(n)) }
