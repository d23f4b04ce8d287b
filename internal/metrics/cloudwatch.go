package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog"
)

// CloudWatch accepts at most 20 data points per PutMetricData call
const cloudWatchBatchSize = 20

// CloudWatchAPI is the subset of the CloudWatch client the provider needs
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchConfig holds configuration for CloudWatch provider
type CloudWatchConfig struct {
	Enabled   bool
	Namespace string
}

// CloudWatchProvider buffers data points and sends them to CloudWatch in
// batches. The convenience methods run on the message hot path and never
// call the API themselves unless a full batch is waiting.
type CloudWatchProvider struct {
	client    CloudWatchAPI
	namespace string
	logger    zerolog.Logger
	enabled   bool

	mu     sync.Mutex
	buffer []types.MetricDatum
}

// NewCloudWatchProvider creates a new CloudWatch metrics provider
func NewCloudWatchProvider(client CloudWatchAPI, cfg CloudWatchConfig, logger zerolog.Logger) *CloudWatchProvider {
	if cfg.Namespace == "" {
		cfg.Namespace = "QueueHarness"
	}
	return &CloudWatchProvider{
		client:    client,
		namespace: cfg.Namespace,
		logger:    logger,
		enabled:   cfg.Enabled && client != nil,
		buffer:    make([]types.MetricDatum, 0, cloudWatchBatchSize),
	}
}

var (
	_ Provider = (*CloudWatchProvider)(nil)
	_ Flusher  = (*CloudWatchProvider)(nil)
)

// Name returns the provider name
func (s *CloudWatchProvider) Name() string {
	return string(ProviderTypeCloudWatch)
}

// Enabled returns whether CloudWatch metrics are enabled
func (s *CloudWatchProvider) Enabled() bool {
	return s.enabled
}

// PutMetric sends a single data point immediately
func (s *CloudWatchProvider) PutMetric(ctx context.Context, name string, value float64, unit string, dimensions map[string]string) error {
	if !s.enabled {
		return nil
	}

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: []types.MetricDatum{newMetricDatum(name, value, unit, dimensions)},
	})
	if err != nil {
		s.logger.Warn().
			Str("metric", name).
			Err(err).
			Msg("Failed to put CloudWatch metric")
		return err
	}
	return nil
}

// Increment sends a count of one immediately
func (s *CloudWatchProvider) Increment(ctx context.Context, name string, dimensions map[string]string) error {
	return s.PutMetric(ctx, name, 1.0, string(types.StandardUnitCount), dimensions)
}

// RecordDuration sends a millisecond duration immediately
func (s *CloudWatchProvider) RecordDuration(ctx context.Context, name string, durationMs float64, dimensions map[string]string) error {
	return s.PutMetric(ctx, name, durationMs, string(types.StandardUnitMilliseconds), dimensions)
}

// Buffer queues a data point, flushing when a full batch is waiting
func (s *CloudWatchProvider) Buffer(ctx context.Context, name string, value float64, unit string, dimensions map[string]string) {
	if !s.enabled {
		return
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, newMetricDatum(name, value, unit, dimensions))
	full := len(s.buffer) >= cloudWatchBatchSize
	s.mu.Unlock()

	if full {
		_ = s.Flush(ctx)
	}
}

// Flush sends every buffered data point
func (s *CloudWatchProvider) Flush(ctx context.Context) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	pending := s.buffer
	s.buffer = make([]types.MetricDatum, 0, cloudWatchBatchSize)
	s.mu.Unlock()

	for i := 0; i < len(pending); i += cloudWatchBatchSize {
		end := min(i+cloudWatchBatchSize, len(pending))
		batch := pending[i:end]

		_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(s.namespace),
			MetricData: batch,
		})
		if err != nil {
			s.logger.Warn().
				Int("batch_size", len(batch)).
				Err(err).
				Msg("Failed to flush CloudWatch metrics batch")
			return err
		}
	}

	if len(pending) > 0 {
		s.logger.Debug().Int("count", len(pending)).Msg("Flushed CloudWatch metrics")
	}
	return nil
}

// Buffered returns the number of data points waiting to be flushed
func (s *CloudWatchProvider) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *CloudWatchProvider) count(ctx context.Context, name string, value float64, dimensions map[string]string) {
	s.Buffer(ctx, name, value, string(types.StandardUnitCount), dimensions)
}

func (s *CloudWatchProvider) duration(ctx context.Context, name string, ms float64, dimensions map[string]string) {
	s.Buffer(ctx, name, ms, string(types.StandardUnitMilliseconds), dimensions)
}

func (s *CloudWatchProvider) IncFetches(ctx context.Context, queue, backend string) {
	s.count(ctx, MetricFetches, 1, map[string]string{"queue": queue, "backend": backend})
}

func (s *CloudWatchProvider) IncFetchErrors(ctx context.Context, queue, backend string) {
	s.count(ctx, MetricFetchErrors, 1, map[string]string{"queue": queue, "backend": backend})
}

func (s *CloudWatchProvider) AddMessagesReceived(ctx context.Context, queue string, count int) {
	if count > 0 {
		s.count(ctx, MetricMessagesReceived, float64(count), map[string]string{"queue": queue})
	}
}

func (s *CloudWatchProvider) ObserveFetchDuration(ctx context.Context, queue string, durationMs float64) {
	s.duration(ctx, MetricFetchDuration, durationMs, map[string]string{"queue": queue})
}

func (s *CloudWatchProvider) SetPendingOperations(ctx context.Context, count float64) {
	s.count(ctx, MetricPendingOperations, count, nil)
}

func (s *CloudWatchProvider) IncMessagesProcessed(ctx context.Context, queue, outcome string) {
	s.count(ctx, MetricMessagesProcessed, 1, map[string]string{"queue": queue, "outcome": outcome})
}

func (s *CloudWatchProvider) IncProcessingErrors(ctx context.Context, queue, errorType string) {
	s.count(ctx, MetricProcessingErrors, 1, map[string]string{"queue": queue, "error_type": errorType})
}

func (s *CloudWatchProvider) ObserveProcessingDuration(ctx context.Context, queue string, durationMs float64) {
	s.duration(ctx, MetricProcessingTime, durationMs, map[string]string{"queue": queue})
}

func (s *CloudWatchProvider) IncPipelineRestarts(ctx context.Context, queue string) {
	s.count(ctx, MetricPipelineRestarts, 1, map[string]string{"queue": queue})
}

func (s *CloudWatchProvider) IncMessagesSent(ctx context.Context, queue, status string) {
	s.count(ctx, MetricMessagesSent, 1, map[string]string{"queue": queue, "status": status})
}

func newMetricDatum(name string, value float64, unit string, dimensions map[string]string) types.MetricDatum {
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       types.StandardUnit(unit),
		Timestamp:  aws.Time(time.Now()),
	}

	for k, v := range dimensions {
		// CloudWatch rejects empty dimension values
		if v == "" {
			v = "unknown"
		}
		datum.Dimensions = append(datum.Dimensions, types.Dimension{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}
	return datum
}
