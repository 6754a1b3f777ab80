// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by operation.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of operation tasks enqueued",
		},
		[]string{"operation"},
	)
	// JobsProcessing is a gauge of the number of currently processing tasks by operation.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of operation tasks currently processing",
		},
		[]string{"operation"},
	)
	// JobsCompletedTotal counts operation tasks completed by operation.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of operation tasks completed",
		},
		[]string{"operation"},
	)
	// JobsFailedTotal counts operation tasks failed by operation.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of operation tasks failed",
		},
		[]string{"operation"},
	)

	// DLQJobsTotal counts operation tasks moved to the dead letter queue.
	DLQJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_jobs_total",
			Help: "Total number of operation tasks moved to the dead letter queue",
		},
		[]string{"operation"},
	)

	// ArchiveBuildDuration records how long the archive task takes to bundle a job's outputs.
	ArchiveBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archive_build_duration_seconds",
			Help:    "Duration of ZIP archive construction for completed jobs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// WebhookDeliveryTotal counts webhook delivery attempts by outcome.
	WebhookDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_total",
			Help: "Total webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// WebhookCircuitTransitionTotal counts webhook circuit breaker state transitions.
	WebhookCircuitTransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_circuit_transition_total",
			Help: "Total webhook circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)

	// JobStatusTotal counts terminal job status transitions by final status.
	JobStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_status_total",
			Help: "Total number of jobs reaching each terminal status",
		},
		[]string{"status"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(DLQJobsTotal)
	prometheus.MustRegister(ArchiveBuildDuration)
	prometheus.MustRegister(WebhookDeliveryTotal)
	prometheus.MustRegister(WebhookCircuitTransitionTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(JobStatusTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued tasks counter for the given operation.
func EnqueueJob(operation string) {
	JobsEnqueuedTotal.WithLabelValues(operation).Inc()
}

// StartProcessingJob increments the processing gauge for the given operation.
func StartProcessingJob(operation string) {
	JobsProcessing.WithLabelValues(operation).Inc()
}

// CompleteJob marks a task complete by decrementing the processing gauge and incrementing the completed counter.
func CompleteJob(operation string) {
	JobsProcessing.WithLabelValues(operation).Dec()
	JobsCompletedTotal.WithLabelValues(operation).Inc()
}

// FailJob marks a task failed by decrementing the processing gauge and incrementing the failed counter.
func FailJob(operation string) {
	JobsProcessing.WithLabelValues(operation).Dec()
	JobsFailedTotal.WithLabelValues(operation).Inc()
}

// RecordDLQJob increments the dead-letter counter for the given operation.
func RecordDLQJob(operation string) {
	DLQJobsTotal.WithLabelValues(operation).Inc()
}

// ObserveArchiveBuild records the duration of a single archive build.
func ObserveArchiveBuild(seconds float64) {
	ArchiveBuildDuration.Observe(seconds)
}

// RecordWebhookDelivery records the outcome of a single webhook delivery attempt.
func RecordWebhookDelivery(outcome string) {
	WebhookDeliveryTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookCircuitTransition records a webhook circuit breaker state transition.
func RecordWebhookCircuitTransition(from, to string) {
	WebhookCircuitTransitionTotal.WithLabelValues(from, to).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}

// RecordJobStatus increments the terminal-status counter for a job.
func RecordJobStatus(status string) {
	JobStatusTotal.WithLabelValues(status).Inc()
}
