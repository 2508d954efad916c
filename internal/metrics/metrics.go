package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus metrics of the engine: pool composition
// gauges, probe counters and the acquisition counter. All methods are
// safe for concurrent use and nil-receiver safe, so callers can carry an
// optional collector without guarding every call site.
type Collector struct {
	registry *prometheus.Registry

	poolTotal       prometheus.Gauge
	poolHealthy     prometheus.Gauge
	poolUnhealthy   prometheus.Gauge
	poolBlacklisted prometheus.Gauge
	stickySessions  prometheus.Gauge

	probesTotal       *prometheus.CounterVec
	probeDuration     prometheus.Histogram
	acquisitionsTotal *prometheus.CounterVec
}

// NewCollector creates and registers all engine metrics. A nil registry
// gets a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		poolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rotaproxy", Subsystem: "pool",
			Name: "proxies_total", Help: "Total number of records in the pool.",
		}),
		poolHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rotaproxy", Subsystem: "pool",
			Name: "proxies_healthy", Help: "Number of healthy records.",
		}),
		poolUnhealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rotaproxy", Subsystem: "pool",
			Name: "proxies_unhealthy", Help: "Number of unhealthy records.",
		}),
		poolBlacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rotaproxy", Subsystem: "pool",
			Name: "proxies_blacklisted", Help: "Number of blacklisted records.",
		}),
		stickySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rotaproxy", Subsystem: "pool",
			Name: "sticky_sessions", Help: "Number of live sticky session bindings.",
		}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rotaproxy", Subsystem: "checker",
			Name: "probes_total", Help: "Validation probes by result.",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rotaproxy", Subsystem: "checker",
			Name:    "probe_duration_seconds",
			Help:    "Latency of successful validation probes.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		acquisitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rotaproxy", Subsystem: "pool",
			Name: "acquisitions_total", Help: "AcquireProxy calls by outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		c.poolTotal, c.poolHealthy, c.poolUnhealthy, c.poolBlacklisted,
		c.stickySessions, c.probesTotal, c.probeDuration, c.acquisitionsTotal,
	)
	return c
}

// SetPoolCounts updates the pool composition gauges.
func (c *Collector) SetPoolCounts(total, healthy, unhealthy, blacklisted, sticky int) {
	if c == nil {
		return
	}
	c.poolTotal.Set(float64(total))
	c.poolHealthy.Set(float64(healthy))
	c.poolUnhealthy.Set(float64(unhealthy))
	c.poolBlacklisted.Set(float64(blacklisted))
	c.stickySessions.Set(float64(sticky))
}

// ObserveProbe records one validation probe outcome.
func (c *Collector) ObserveProbe(success bool, latency time.Duration) {
	if c == nil {
		return
	}
	if success {
		c.probesTotal.WithLabelValues("success").Inc()
		c.probeDuration.Observe(latency.Seconds())
	} else {
		c.probesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordAcquire records one AcquireProxy outcome ("hit", "sticky_hit",
// "exhausted").
func (c *Collector) RecordAcquire(outcome string) {
	if c == nil {
		return
	}
	c.acquisitionsTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus exposition handler for the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
