package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bacbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"session", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bacbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"session", "method", "path", "status"},
	)
	requestsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bacbridge",
			Subsystem: "requests",
			Name:      "submitted_total",
			Help:      "Requests submitted to the worker.",
		},
		[]string{"session", "operation"},
	)
	requestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bacbridge",
			Subsystem: "requests",
			Name:      "completed_total",
			Help:      "Pending requests completed, by terminal state.",
		},
		[]string{"session", "operation", "state"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bacbridge",
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from registration to completion.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"session", "operation", "state"},
	)
	pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bacbridge",
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests awaiting a reply.",
		},
		[]string{"session"},
	)
	decodeDiagnostics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bacbridge",
			Subsystem: "codec",
			Name:      "diagnostics_total",
			Help:      "Decoder diagnostics by service.",
		},
		[]string{"session", "service"},
	)
	workerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bacbridge",
			Subsystem: "worker",
			Name:      "ticks_total",
			Help:      "Worker poll ticks.",
		},
		[]string{"session"},
	)
	datagramsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bacbridge",
			Subsystem: "worker",
			Name:      "datagrams_total",
			Help:      "Datagrams handed to the engine dispatcher.",
		},
		[]string{"session"},
	)
	listenerDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bacbridge",
			Subsystem: "events",
			Name:      "listener_drops_total",
			Help:      "Unsolicited events dropped on a full listener buffer.",
		},
		[]string{"session", "event"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			requestsSubmitted, requestOutcomes, requestDuration, pendingGauge,
			decodeDiagnostics, workerTicks, datagramsReceived, listenerDrops,
		)
	})
}

func RecordHTTPRequest(session, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(session, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(session, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSubmitted(session, operation string) {
	RegisterMetrics()
	requestsSubmitted.WithLabelValues(session, operation).Inc()
}

func RecordOutcome(session, operation, state string, elapsed time.Duration) {
	RegisterMetrics()
	requestOutcomes.WithLabelValues(session, operation, state).Inc()
	requestDuration.WithLabelValues(session, operation, state).Observe(elapsed.Seconds())
}

func SetPending(session string, n int) {
	RegisterMetrics()
	pendingGauge.WithLabelValues(session).Set(float64(n))
}

func RecordDecodeDiagnostic(session, service string) {
	RegisterMetrics()
	decodeDiagnostics.WithLabelValues(session, service).Inc()
}

func RecordTick(session string, datagram bool) {
	RegisterMetrics()
	workerTicks.WithLabelValues(session).Inc()
	if datagram {
		datagramsReceived.WithLabelValues(session).Inc()
	}
}

func RecordListenerDrop(session, event string) {
	RegisterMetrics()
	listenerDrops.WithLabelValues(session, event).Inc()
}
