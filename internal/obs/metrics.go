package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Gate metrics
var (
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Terminal request gate outcomes.",
		},
		[]string{"outcome"},
	)

	quotaFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_fail_open_total",
		Help: "Requests admitted because the quota store was unreachable.",
	})

	quotaUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_usage_total",
			Help: "Admitted requests per subscription tier, including unmetered tiers.",
		},
		[]string{"tier"},
	)

	tokenRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_rotations_total",
			Help: "Refresh token rotation attempts by result.",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			gateDecisions, quotaFailOpen, quotaUsage, tokenRotations,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GateDecision counts a terminal gate outcome such as "dispatched" or "rate_limited".
func GateDecision(outcome string) {
	gateDecisions.WithLabelValues(outcome).Inc()
}

// QuotaFailOpen counts a request admitted without quota enforcement.
func QuotaFailOpen() {
	quotaFailOpen.Inc()
}

// QuotaUsage counts an admitted request against tier.
func QuotaUsage(tier string) {
	quotaUsage.WithLabelValues(tier).Inc()
}

// TokenRotation counts a refresh rotation attempt.
func TokenRotation(result string) {
	tokenRotations.WithLabelValues(result).Inc()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	const principals = "/v1/admin/principals/"
	if strings.HasPrefix(path, principals) {
		rest := strings.TrimPrefix(path, principals)
		if rest != "" && !strings.Contains(rest, "/") {
			return principals + ":id"
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
