// Package metrics exposes process-wide counters, gauges, and histograms via
// prometheus/client_golang, grounded on the domain-stack wiring decision in
// SPEC_FULL.md: requests, errors, latency, tokens, queue depth, and
// scheduler rejections, all served at /metrics through promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the process-wide metrics registry. A nil *Sink is not valid;
// callers always go through New.
type Sink struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	rejectionsTotal *prometheus.CounterVec
	uploadsActive   prometheus.Gauge
}

// New builds a Sink with a fresh registry (not the global default
// registerer, so tests can build independent instances without collisions).
func New() *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxy requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Total pipeline errors by category.",
		}, []string{"category"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens consumed by model and kind (prompt/completion).",
		}, []string{"model", "kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_scheduler_queue_depth",
			Help: "Current queued request count by limiter.",
		}, []string{"limiter"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_scheduler_rejections_total",
			Help: "Queue overflow rejections by limiter.",
		}, []string{"limiter"}),
		uploadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_uploads_active",
			Help: "Currently in-flight multipart uploads across all principals.",
		}),
	}

	reg.MustRegister(
		s.requestsTotal,
		s.errorsTotal,
		s.requestDuration,
		s.tokensTotal,
		s.queueDepth,
		s.rejectionsTotal,
		s.uploadsActive,
	)
	return s
}

// RecordRequest tags one completed proxy request with its endpoint, final
// status code, and latency in seconds.
func (s *Sink) RecordRequest(endpoint string, status int, seconds float64) {
	s.requestsTotal.WithLabelValues(endpoint, statusLabel(status)).Inc()
	s.requestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// RecordError tags one pipeline failure by its error-taxonomy category.
func (s *Sink) RecordError(category string) {
	s.errorsTotal.WithLabelValues(category).Inc()
}

// RecordTokens records prompt/completion token usage for a model.
func (s *Sink) RecordTokens(model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		s.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		s.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// SetQueueDepth publishes the current queue length for a named limiter
// ("global" or "per_user").
func (s *Sink) SetQueueDepth(limiter string, depth int) {
	s.queueDepth.WithLabelValues(limiter).Set(float64(depth))
}

// RecordRejection tags one queue-overflow rejection by the limiter that
// overflowed.
func (s *Sink) RecordRejection(limiter string) {
	s.rejectionsTotal.WithLabelValues(limiter).Inc()
}

// UploadStarted/UploadFinished track concurrent multipart uploads.
func (s *Sink) UploadStarted()  { s.uploadsActive.Inc() }
func (s *Sink) UploadFinished() { s.uploadsActive.Dec() }

// Handler returns the /metrics HTTP handler in Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func statusLabel(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
