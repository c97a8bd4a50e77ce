package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicemode"

// HTTP metrics (counter/histogram — incremented by middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Turn metrics (incremented by the orchestrator).
var (
	TurnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Completed conversation turns by outcome.",
	}, []string{"outcome"})

	PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_phase_duration_seconds",
		Help:      "Time spent in each turn phase.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms → ~160s
	}, []string{"phase"})
)

// Provider metrics (incremented by failover and registry).
var (
	ProviderAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_attempts_total",
		Help:      "Speech provider attempts by result.",
	}, []string{"role", "provider", "result"})

	HealthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_health_checks_total",
		Help:      "Provider health probes by result (cache hits excluded).",
	}, []string{"provider", "result"})
)

// Recording metrics (incremented by recording sessions).
var (
	RecordingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recording_duration_seconds",
		Help:      "Captured recording length per listen phase.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s → 128s
	})

	RecordingFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recording_frames_total",
		Help:      "Classified audio frames by kind.",
	}, []string{"kind"})
)

// Lock metrics (incremented by the conch).
var (
	LockAcquiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquires_total",
		Help:      "Turn lock acquisition attempts by result.",
	}, []string{"result"})

	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the turn lock.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms → ~50s
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TurnsTotal,
		PhaseDuration,
		ProviderAttemptsTotal,
		HealthChecksTotal,
		RecordingDuration,
		RecordingFramesTotal,
		LockAcquiresTotal,
		LockWaitSeconds,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that check for
// wrapped writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
