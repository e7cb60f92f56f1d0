package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fts"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "sessions_total",
			Help:      "Finished transfer sessions by role, outcome and failure kind.",
		},
		[]string{"role", "outcome", "kind"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "session_duration_seconds",
			Help:      "Transfer session duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"role", "outcome"},
	)
	chunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "chunks_total",
			Help:      "Chunks handled by role and result (sent, resumed, retried).",
		},
		[]string{"role", "result"},
	)
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "File bytes moved over the wire by role.",
		},
		[]string{"role"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_sessions",
			Help:      "Responder sessions currently running.",
		},
	)
	admissionRejects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "admission_rejects_total",
			Help:      "Connections closed because the admission queue was full.",
		},
	)
	cacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Bytes held by the resume cache.",
		},
	)
	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Chunks held by the resume cache.",
		},
	)
	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Chunks evicted from the resume cache.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsTotal, sessionDuration, chunksTotal, bytesTotal,
			activeSessions, admissionRejects,
			cacheBytes, cacheEntries, cacheEvictions,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordSession counts one finished session. kind is empty on success.
func RecordSession(role, outcome, kind string, duration time.Duration) {
	RegisterMetrics()
	if kind == "" {
		kind = "none"
	}
	sessionsTotal.WithLabelValues(role, outcome, kind).Inc()
	sessionDuration.WithLabelValues(role, outcome).Observe(duration.Seconds())
}

func RecordChunks(role, result string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	chunksTotal.WithLabelValues(role, result).Add(float64(n))
}

func RecordBytes(role string, n uint64) {
	if n == 0 {
		return
	}
	RegisterMetrics()
	bytesTotal.WithLabelValues(role).Add(float64(n))
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	activeSessions.Set(float64(n))
}

func RecordAdmissionReject() {
	RegisterMetrics()
	admissionRejects.Inc()
}

func SetCacheUsage(bytes int64, entries int) {
	RegisterMetrics()
	cacheBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

func RecordCacheEvictions(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	cacheEvictions.Add(float64(n))
}
