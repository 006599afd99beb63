// Package metrics holds the prometheus collectors shared by the module
// registry, the render pipeline and the API proxy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "treeline"

// Collectors is a set of metrics registered on its own registry so that
// several servers (and tests) never collide on the default registerer.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	ModuleLoads        *prometheus.CounterVec
	ModuleLoadDuration *prometheus.HistogramVec
	CacheHits          prometheus.Counter
	RegistryBuilds     prometheus.Counter
	Requests           *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	ProxyRequests      *prometheus.CounterVec
	PoolWait           prometheus.Histogram
}

// New creates and registers every collector.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collectors{
		registry: reg,

		// ModuleLoads counts module evaluations by source kind and result
		ModuleLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_loads_total",
			Help:      "Module evaluations by source kind and result",
		}, []string{"kind", "result"}),

		ModuleLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_load_duration_seconds",
			Help:      "Time to read, analyze, resolve and evaluate one module file",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}, []string{"kind"}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_cache_hits_total",
			Help:      "Object requests served from an already evaluated entry",
		}),

		RegistryBuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_builds_total",
			Help:      "Module tree builds",
		}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Rendered requests by terminal pipeline state",
		}, []string{"state"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Render pipeline stage durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),

		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "API proxy requests by proxy name and outcome",
		}, []string{"proxy", "outcome"}),

		PoolWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a pooled registry",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// Registry returns the prometheus registry the collectors live on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collectors in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveLoad records one module evaluation.
func (c *Collectors) ObserveLoad(kind string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.ModuleLoads.WithLabelValues(kind, result(err)).Inc()
	c.ModuleLoadDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// CacheHit records an object served from cache.
func (c *Collectors) CacheHit() {
	if c == nil {
		return
	}
	c.CacheHits.Inc()
}

// ObserveBuild records a module tree build.
func (c *Collectors) ObserveBuild() {
	if c == nil {
		return
	}
	c.RegistryBuilds.Inc()
}

// ObserveRequest records the terminal state of a rendered request.
func (c *Collectors) ObserveRequest(state string) {
	if c == nil {
		return
	}
	c.Requests.WithLabelValues(state).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func (c *Collectors) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveProxy records a proxied API request.
func (c *Collectors) ObserveProxy(proxy, outcome string) {
	if c == nil {
		return
	}
	c.ProxyRequests.WithLabelValues(proxy, outcome).Inc()
}

// ObservePoolWait records how long a request waited for a registry.
func (c *Collectors) ObservePoolWait(d time.Duration) {
	if c == nil {
		return
	}
	c.PoolWait.Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
