// Package metrics exposes Prometheus collectors for the payment core.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "happy_academy",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "happy_academy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "happy_academy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	reconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "happy_academy",
			Subsystem: "payments",
			Name:      "reconcile_outcomes_total",
			Help:      "Total reconciliation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	fulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "happy_academy",
			Subsystem: "payments",
			Name:      "fulfillments_total",
			Help:      "Total fulfillment dispatches by purchase kind and result.",
		},
		[]string{"kind", "success"},
	)

	gatewayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "happy_academy",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Total payment gateway protocol failures by operation.",
		},
		[]string{"operation"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		reconcileOutcomes,
		fulfillments,
		gatewayErrors,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordReconcile counts one reconciliation attempt outcome.
func RecordReconcile(outcome string) {
	reconcileOutcomes.WithLabelValues(outcome).Inc()
}

// RecordFulfillment counts one fulfillment dispatch.
func RecordFulfillment(kind string, success bool) {
	fulfillments.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

// RecordGatewayError counts one gateway protocol failure.
func RecordGatewayError(operation string) {
	gatewayErrors.WithLabelValues(operation).Inc()
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "payments" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/payments"
	}
	if parts[1] == "transactions" {
		return "/payments/transactions/:id"
	}
	return "/payments/" + parts[1]
}
