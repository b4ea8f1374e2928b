// Package metrics exposes cache and HTTP metrics for Prometheus scraping
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briangreenhill/decormarket/cache"
)

// StatsSource is anything that reports cache counters
type StatsSource interface {
	Stats() cache.Stats
}

// Metrics owns a private registry with cache and request collectors
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// Default histogram buckets for request duration (in seconds)
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// New registers Go, process and cache collectors under namespace
func New(namespace string, src StatsSource) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "route"},
		),
	}
	registry.MustRegister(m.requestsTotal, m.requestDuration)

	if src != nil {
		registerCache(registry, namespace, src)
	}
	return m
}

func registerCache(registry *prometheus.Registry, namespace string, src StatsSource) {
	counter := func(name, help string, read func(cache.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(src.Stats())) })
	}
	gauge := func(name, help string, read func(cache.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(src.Stats())) })
	}

	registry.MustRegister(
		counter("hits_total", "Reads served from a fresh entry", func(s cache.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Reads without a fresh entry", func(s cache.Stats) uint64 { return s.Misses }),
		counter("fetches_total", "Backend requests issued for misses", func(s cache.Stats) uint64 { return s.Fetches }),
		counter("shared_total", "Reads that shared an in-flight request", func(s cache.Stats) uint64 { return s.Shared }),
		counter("failures_total", "Backend requests that failed", func(s cache.Stats) uint64 { return s.Failures }),
		counter("invalidated_total", "Entries removed by invalidation", func(s cache.Stats) uint64 { return s.Invalidated }),
		counter("swept_total", "Entries removed by the expiry sweep", func(s cache.Stats) uint64 { return s.Swept }),
		gauge("entries", "Entries currently stored", func(s cache.Stats) int { return s.Entries }),
		gauge("in_flight", "Backend requests currently in flight", func(s cache.Stats) int { return s.InFlight }),
	)
}

// Handler returns the scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
