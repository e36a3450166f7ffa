package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the broker. A nil *Metrics and a
// disabled one are both valid and record nothing.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rejections      *prometheus.CounterVec
	queueDepth      prometheus.Gauge

	// Question metrics
	questions       *prometheus.CounterVec
	pendingQuestion prometheus.Gauge

	// Engine metrics
	syncOutcomes   *prometheus.CounterVec
	packageChanges *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of completed requests by method and status",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from acceptance to completion of a request",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_rejected_total",
				Help:      "Total number of requests rejected before queueing",
			},
			[]string{"code"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Accepted requests waiting for the worker",
			},
		),

		questions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "questions_total",
				Help:      "Engine questions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		pendingQuestion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "question_pending",
				Help:      "1 while a question waits for an answer",
			},
		),

		syncOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_syncs_total",
				Help:      "Repository synchronizations by outcome",
			},
			[]string{"outcome"},
		),
		packageChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_changes_total",
				Help:      "Packages changed by committed transactions",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.rejections,
		m.queueDepth,
		m.questions,
		m.pendingQuestion,
		m.syncOutcomes,
		m.packageChanges,
	)

	return m, nil
}

// Request Metrics

// RecordRequest records a completed request with its status and the time
// since it was accepted.
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRejection records a request rejected with code.
func (m *Metrics) RecordRejection(code string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

// SetQueueDepth sets the number of requests waiting for the worker.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// Question Metrics

// RecordQuestion records a question of kind resolved with outcome
// (answered, default, busy, canceled).
func (m *Metrics) RecordQuestion(kind, outcome string) {
	if m == nil || m.questions == nil {
		return
	}
	m.questions.WithLabelValues(kind, outcome).Inc()
}

// SetPendingQuestion flags whether a question waits for an answer.
func (m *Metrics) SetPendingQuestion(pending bool) {
	if m == nil || m.pendingQuestion == nil {
		return
	}
	value := 0.0
	if pending {
		value = 1.0
	}
	m.pendingQuestion.Set(value)
}

// Engine Metrics

// RecordSyncOutcome records one repository synchronization.
func (m *Metrics) RecordSyncOutcome(outcome string) {
	if m == nil || m.syncOutcomes == nil {
		return
	}
	m.syncOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPackageChange records one package change applied by a commit.
func (m *Metrics) RecordPackageChange(action string) {
	if m == nil || m.packageChanges == nil {
		return
	}
	m.packageChanges.WithLabelValues(action).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
