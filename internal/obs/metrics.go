package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Propagation metrics.
var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_propagation_events_total",
			Help: "Role propagation events by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "role_propagation_tasks_total",
			Help: "Per-session propagation tasks by terminal status.",
		},
		[]string{"status"},
	)

	taskLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "role_propagation_task_duration_seconds",
			Help:    "Time from task enqueue to terminal status.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	// QueueDepth counts tasks currently tracked by the queue (pending or
	// running).
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "role_propagation_queue_depth",
		Help: "Propagation tasks not yet at a terminal status.",
	})

	CacheInvalidationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "role_cache_invalidation_failures_total",
		Help: "Cache invalidation calls that returned an error.",
	})
)

// HTTP metrics for the status surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all service metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		EventsTotal, tasksTotal, taskLatency, QueueDepth, CacheInvalidationFailures,
		httpInFlight, httpRequestsTotal, httpRequestDuration,
	)
}

// ObserveTask records one task reaching a terminal status.
func ObserveTask(status string, elapsed time.Duration) {
	tasksTotal.WithLabelValues(status).Inc()
	taskLatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses identifier segments so metric label cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	if len(parts) == 5 && parts[1] == "v1" && parts[2] == "propagation" && parts[3] == "events" && parts[4] != "" {
		return "/v1/propagation/events/:id"
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
