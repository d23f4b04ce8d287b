// Package metrics records scheduler and backend activity to Prometheus,
// CloudWatch, or both.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// Provider defines the unified interface for all metrics providers.
// Implementations include CloudWatch, Prometheus, Noop, and Composite providers.
type Provider interface {
	// Core metrics methods
	PutMetric(ctx context.Context, name string, value float64, unit string, dimensions map[string]string) error
	Increment(ctx context.Context, name string, dimensions map[string]string) error
	RecordDuration(ctx context.Context, name string, durationMs float64, dimensions map[string]string) error

	// Fetch cycle
	IncFetches(ctx context.Context, queue, backend string)
	IncFetchErrors(ctx context.Context, queue, backend string)
	AddMessagesReceived(ctx context.Context, queue string, count int)
	ObserveFetchDuration(ctx context.Context, queue string, durationMs float64)
	SetPendingOperations(ctx context.Context, count float64)

	// Per message
	IncMessagesProcessed(ctx context.Context, queue, outcome string)
	IncProcessingErrors(ctx context.Context, queue, errorType string)
	ObserveProcessingDuration(ctx context.Context, queue string, durationMs float64)

	// Broker pipeline and enqueue
	IncPipelineRestarts(ctx context.Context, queue string)
	IncMessagesSent(ctx context.Context, queue, status string)

	// Provider info
	Name() string
	Enabled() bool
}

// HTTPProvider is implemented by providers that expose a scrape endpoint
type HTTPProvider interface {
	Provider
	Handler() http.Handler
}

// CollectorProvider is implemented by providers backed by Prometheus collectors
type CollectorProvider interface {
	Provider
	Collectors() []prometheus.Collector
	Register() error
}

// Flusher is implemented by providers that buffer data points
type Flusher interface {
	Flush(ctx context.Context) error
}

// ProviderType represents the type of metrics provider
type ProviderType string

const (
	ProviderTypeCloudWatch ProviderType = "cloudwatch"
	ProviderTypePrometheus ProviderType = "prometheus"
	ProviderTypeNoop       ProviderType = "noop"
	ProviderTypeComposite  ProviderType = "composite"
)

// Message outcomes used as the outcome label
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeDropped      = "dropped"
	OutcomeRequeued     = "requeued"
	OutcomeDuplicate    = "duplicate"
)

// Metric names shared by every provider
const (
	MetricFetches           = "queue.fetches"
	MetricFetchErrors       = "queue.fetch_errors"
	MetricMessagesReceived  = "queue.messages.received"
	MetricFetchDuration     = "queue.fetch_duration"
	MetricPendingOperations = "queue.pending_operations"
	MetricMessagesProcessed = "queue.messages.processed"
	MetricProcessingErrors  = "queue.processing_errors"
	MetricProcessingTime    = "queue.processing_time"
	MetricPipelineRestarts  = "queue.pipeline_restarts"
	MetricMessagesSent      = "queue.messages.sent"
)
