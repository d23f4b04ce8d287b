package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// PrometheusProvider exposes harness metrics to Prometheus
type PrometheusProvider struct {
	logger    zerolog.Logger
	namespace string
	subsystem string
	enabled   bool

	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	// Counters
	fetches           *prometheus.CounterVec
	fetchErrors       *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	processingErrors  *prometheus.CounterVec
	pipelineRestarts  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec

	// Gauges
	pendingOperations prometheus.Gauge

	// Histograms
	fetchDuration      *prometheus.HistogramVec
	processingDuration *prometheus.HistogramVec

	registered bool
	mu         sync.Mutex
}

// PrometheusConfig holds configuration for Prometheus metrics
type PrometheusConfig struct {
	Enabled   bool
	Namespace string
	Subsystem string
	// Registry defaults to prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// DefaultPrometheusConfig returns the default Prometheus configuration
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Enabled:   true,
		Namespace: "queueharness",
	}
}

// NewPrometheusProvider creates a new Prometheus metrics provider
func NewPrometheusProvider(logger zerolog.Logger, cfg PrometheusConfig) *PrometheusProvider {
	if cfg.Namespace == "" {
		cfg.Namespace = "queueharness"
	}

	s := &PrometheusProvider{
		logger:    logger,
		namespace: cfg.Namespace,
		subsystem: cfg.Subsystem,
		registry:  cfg.Registry,
		enabled:   cfg.Enabled,
	}

	if g, ok := cfg.Registry.(prometheus.Gatherer); ok {
		s.gatherer = g
	}

	s.initMetrics()
	return s
}

var (
	_ Provider          = (*PrometheusProvider)(nil)
	_ HTTPProvider      = (*PrometheusProvider)(nil)
	_ CollectorProvider = (*PrometheusProvider)(nil)
)

// Name returns the provider name
func (s *PrometheusProvider) Name() string {
	return string(ProviderTypePrometheus)
}

// Enabled returns whether Prometheus metrics are enabled
func (s *PrometheusProvider) Enabled() bool {
	return s.enabled
}

func (s *PrometheusProvider) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: s.namespace,
		Subsystem: s.subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func (s *PrometheusProvider) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: s.namespace,
		Subsystem: s.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

func (s *PrometheusProvider) initMetrics() {
	s.fetches = s.counter("fetches_total", "Total number of receive operations issued", "queue", "backend")
	s.fetchErrors = s.counter("fetch_errors_total", "Total number of receive operations that failed", "queue", "backend")
	s.messagesReceived = s.counter("messages_received_total", "Total number of messages received", "queue")
	s.messagesProcessed = s.counter("messages_processed_total", "Total number of messages settled, by outcome", "queue", "outcome")
	s.processingErrors = s.counter("processing_errors_total", "Total number of messages that failed processing", "queue", "error_type")
	s.pipelineRestarts = s.counter("pipeline_restarts_total", "Total number of broker pipeline re-establishments", "queue")
	s.messagesSent = s.counter("messages_sent_total", "Total number of enqueue calls", "queue", "status")

	s.pendingOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: s.namespace,
		Subsystem: s.subsystem,
		Name:      "pending_operations",
		Help:      "Number of receive operations in flight",
	})

	s.fetchDuration = s.histogram("fetch_duration_milliseconds", "Receive plus processing duration of one fetch in milliseconds",
		[]float64{10, 50, 100, 250, 500, 1000, 3000, 5000, 10000, 20000}, "queue")
	s.processingDuration = s.histogram("processing_duration_milliseconds", "Message processing duration in milliseconds",
		[]float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "queue")
}

// Collectors returns every collector owned by the provider
func (s *PrometheusProvider) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.fetches,
		s.fetchErrors,
		s.messagesReceived,
		s.messagesProcessed,
		s.processingErrors,
		s.pipelineRestarts,
		s.messagesSent,
		s.pendingOperations,
		s.fetchDuration,
		s.processingDuration,
	}
}

// Register registers all collectors, once. Already registered collectors
// are tolerated.
func (s *PrometheusProvider) Register() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return nil
	}

	registerer := s.registry
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	for _, c := range s.Collectors() {
		if err := registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	s.registered = true
	s.logger.Info().Str("namespace", s.namespace).Msg("Prometheus metrics registered")
	return nil
}

// Handler returns the /metrics handler for the provider's registry
func (s *PrometheusProvider) Handler() http.Handler {
	if s.gatherer != nil {
		return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// PutMetric routes a named data point to the matching collector
func (s *PrometheusProvider) PutMetric(ctx context.Context, name string, value float64, unit string, dimensions map[string]string) error {
	if !s.enabled {
		return nil
	}

	queue := dimensions["queue"]
	switch name {
	case MetricFetches:
		s.fetches.WithLabelValues(queue, dimensions["backend"]).Add(value)
	case MetricFetchErrors:
		s.fetchErrors.WithLabelValues(queue, dimensions["backend"]).Add(value)
	case MetricMessagesReceived:
		s.messagesReceived.WithLabelValues(queue).Add(value)
	case MetricMessagesProcessed:
		s.messagesProcessed.WithLabelValues(queue, dimensions["outcome"]).Add(value)
	case MetricProcessingErrors:
		s.processingErrors.WithLabelValues(queue, dimensions["error_type"]).Add(value)
	case MetricPipelineRestarts:
		s.pipelineRestarts.WithLabelValues(queue).Add(value)
	case MetricMessagesSent:
		s.messagesSent.WithLabelValues(queue, dimensions["status"]).Add(value)
	case MetricPendingOperations:
		s.pendingOperations.Set(value)
	case MetricFetchDuration:
		s.fetchDuration.WithLabelValues(queue).Observe(value)
	case MetricProcessingTime:
		s.processingDuration.WithLabelValues(queue).Observe(value)
	default:
		s.logger.Debug().Str("metric", name).Str("unit", unit).Msg("Unknown metric name ignored")
	}
	return nil
}

// Increment adds one to a counter
func (s *PrometheusProvider) Increment(ctx context.Context, name string, dimensions map[string]string) error {
	return s.PutMetric(ctx, name, 1.0, "Count", dimensions)
}

// RecordDuration observes a duration in milliseconds
func (s *PrometheusProvider) RecordDuration(ctx context.Context, name string, durationMs float64, dimensions map[string]string) error {
	return s.PutMetric(ctx, name, durationMs, "Milliseconds", dimensions)
}

func (s *PrometheusProvider) IncFetches(ctx context.Context, queue, backend string) {
	if s.enabled {
		s.fetches.WithLabelValues(queue, backend).Inc()
	}
}

func (s *PrometheusProvider) IncFetchErrors(ctx context.Context, queue, backend string) {
	if s.enabled {
		s.fetchErrors.WithLabelValues(queue, backend).Inc()
	}
}

func (s *PrometheusProvider) AddMessagesReceived(ctx context.Context, queue string, count int) {
	if s.enabled && count > 0 {
		s.messagesReceived.WithLabelValues(queue).Add(float64(count))
	}
}

func (s *PrometheusProvider) ObserveFetchDuration(ctx context.Context, queue string, durationMs float64) {
	if s.enabled {
		s.fetchDuration.WithLabelValues(queue).Observe(durationMs)
	}
}

func (s *PrometheusProvider) SetPendingOperations(ctx context.Context, count float64) {
	if s.enabled {
		s.pendingOperations.Set(count)
	}
}

func (s *PrometheusProvider) IncMessagesProcessed(ctx context.Context, queue, outcome string) {
	if s.enabled {
		s.messagesProcessed.WithLabelValues(queue, outcome).Inc()
	}
}

func (s *PrometheusProvider) IncProcessingErrors(ctx context.Context, queue, errorType string) {
	if s.enabled {
		s.processingErrors.WithLabelValues(queue, errorType).Inc()
	}
}

func (s *PrometheusProvider) ObserveProcessingDuration(ctx context.Context, queue string, durationMs float64) {
	if s.enabled {
		s.processingDuration.WithLabelValues(queue).Observe(durationMs)
	}
}

func (s *PrometheusProvider) IncPipelineRestarts(ctx context.Context, queue string) {
	if s.enabled {
		s.pipelineRestarts.WithLabelValues(queue).Inc()
	}
}

func (s *PrometheusProvider) IncMessagesSent(ctx context.Context, queue, status string) {
	if s.enabled {
		s.messagesSent.WithLabelValues(queue, status).Inc()
	}
}

