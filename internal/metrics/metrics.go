// Package metrics holds the Prometheus collectors exported on /metrics.
//
// All methods are nil-safe so packages can accept a *Metrics without forcing
// tests to build one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duecal"

// Metrics exposes the service's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	feedFetches   *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	eventsDropped prometheus.Counter
	httpRequests  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		feedFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "fetches_total",
				Help:      "Feed fetches by source and outcome (fresh, not_modified, stale, error).",
			},
			[]string{"source", "outcome"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "In-memory cache lookups by cache name and result (hit, miss).",
			},
			[]string{"cache", "result"},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calendar",
				Name:      "events_dropped_total",
				Help:      "Events not bound to any day cell (missing start or outside the grid).",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
	}

	reg.MustRegister(
		m.feedFetches,
		m.cacheLookups,
		m.eventsDropped,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FeedFetched(source, outcome string) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) EventsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

func (m *Metrics) HTTPRequest(route string, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
