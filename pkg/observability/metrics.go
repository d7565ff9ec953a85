package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. It satisfies the recorder
// interfaces of the fetch, bundle, build, lifecycle and events packages.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Lifecycle metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	HookDuration       *prometheus.HistogramVec
	HookFailuresTotal  *prometheus.CounterVec

	// Build metrics
	BuildStageDuration    *prometheus.HistogramVec
	BuildStageErrorsTotal *prometheus.CounterVec

	// Fetch metrics
	FetchBytesTotal  *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	FetchErrorsTotal *prometheus.CounterVec

	// Bundle metrics
	BundleRequestsTotal *prometheus.CounterVec

	// Event metrics
	EventsDroppedTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "route"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_lifecycle_operations_total",
				Help: "Total number of lifecycle operations",
			},
			[]string{"operation", "result"},
		),
		TransitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_lifecycle_operation_duration_seconds",
				Help:    "Lifecycle operation duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),
		HookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_hook_duration_seconds",
				Help:    "Lifecycle hook duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"hook"},
		),
		HookFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_hook_failures_total",
				Help: "Total number of failed lifecycle hooks",
			},
			[]string{"hook"},
		),

		BuildStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_build_stage_duration_seconds",
				Help:    "Build stage duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		BuildStageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_build_stage_errors_total",
				Help: "Total number of failed build stages",
			},
			[]string{"stage"},
		),

		FetchBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_fetch_bytes_total",
				Help: "Total package bytes downloaded",
			},
			[]string{"scheme"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_fetch_duration_seconds",
				Help:    "Package download and extraction duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"scheme"},
		),
		FetchErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_fetch_errors_total",
				Help: "Total number of failed package fetches",
			},
			[]string{"scheme"},
		),

		BundleRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_bundle_requests_total",
				Help: "Total number of generated bundles by strategy and cache result",
			},
			[]string{"strategy", "cache"},
		),

		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_events_dropped_total",
				Help: "Total number of events dropped for slow subscribers",
			},
			[]string{"type"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.HookDuration,
		m.HookFailuresTotal,
		m.BuildStageDuration,
		m.BuildStageErrorsTotal,
		m.FetchBytesTotal,
		m.FetchDuration,
		m.FetchErrorsTotal,
		m.BundleRequestsTotal,
		m.EventsDroppedTotal,
	)

	return m
}

// RegisterGauge exposes a value sampled at scrape time, such as the number
// of loaded plugins
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordTransition implements lifecycle.Recorder
func (m *Metrics) RecordTransition(op string, d time.Duration, err error) {
	m.TransitionsTotal.WithLabelValues(op, result(err)).Inc()
	m.TransitionDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordHook implements lifecycle.Recorder
func (m *Metrics) RecordHook(hook string, d time.Duration, err error) {
	m.HookDuration.WithLabelValues(hook).Observe(d.Seconds())
	if err != nil {
		m.HookFailuresTotal.WithLabelValues(hook).Inc()
	}
}

// RecordStage implements build.Recorder
func (m *Metrics) RecordStage(stage string, d time.Duration, err error) {
	m.BuildStageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.BuildStageErrorsTotal.WithLabelValues(stage).Inc()
	}
}

// RecordFetch implements fetch.Recorder
func (m *Metrics) RecordFetch(scheme string, bytes int64, d time.Duration, err error) {
	m.FetchDuration.WithLabelValues(scheme).Observe(d.Seconds())
	if bytes > 0 {
		m.FetchBytesTotal.WithLabelValues(scheme).Add(float64(bytes))
	}
	if err != nil {
		m.FetchErrorsTotal.WithLabelValues(scheme).Inc()
	}
}

// RecordBundle implements bundle.Recorder
func (m *Metrics) RecordBundle(strategy string, cacheHit bool) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	m.BundleRequestsTotal.WithLabelValues(strategy, cache).Inc()
}

// EventDropped implements events.DropCounter
func (m *Metrics) EventDropped(t events.Type) {
	m.EventsDroppedTotal.WithLabelValues(string(t)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush keeps streaming responses working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeLabel returns the mux route template so plugin slugs and ids do not
// explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// It is meant for mux.Router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
