// Package queueharness consumes JSON messages from AWS SQS or RabbitMQ and
// hands each one to a Processor.
//
// Features:
//   - One consumer over several queues, fetched concurrently in cycles
//   - SQS long polling and a RabbitMQ streaming consumer with reconnects
//   - Acknowledge on success, requeue or drop on failure
//   - Redis-based queue URL caching and processed-id dedupe (optional)
//   - Prometheus and CloudWatch metrics
//   - Per-queue progress reporting
//
// Basic Usage:
//
//	client, err := queueharness.New(
//	    queueharness.WithAWSRegion("us-east-2"),
//	    queueharness.WithQueuePrefix("prod"),
//	    queueharness.WithQueues("orders", "invoices"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Enqueue a message
//	res, err := client.Enqueue(ctx, "orders", map[string]any{"order_id": 123})
//
//	// Consume until ctx is cancelled
//	err = client.Run(ctx, queueharness.ProcessorFunc(
//	    func(ctx context.Context, payload map[string]any, msg queueharness.RawMessage) queueharness.Result {
//	        return queueharness.Success()
//	    },
//	))
package queueharness

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/config"
	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/drivers/memory"
	"github.com/our-edu/go-queue-harness/internal/drivers/rabbitmq"
	sqsdriver "github.com/our-edu/go-queue-harness/internal/drivers/sqs"
	"github.com/our-edu/go-queue-harness/internal/metrics"
	"github.com/our-edu/go-queue-harness/internal/progress"
	"github.com/our-edu/go-queue-harness/internal/retry"
	"github.com/our-edu/go-queue-harness/internal/storage"
	"github.com/our-edu/go-queue-harness/pkg/payload"
)

// Redis key namespace for the cache and dedupe store
const redisPrefix = "queueharness"

// Transport failures on Enqueue are retried briefly; the broker backend
// redials after a failed publish
var sendRetryPolicy = retry.Policy{
	MaxRetries:     2,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     time.Second,
	Factor:         2.0,
	Jitter:         true,
}

// Client is the main entry point. It owns the backend, the optional Redis
// stores and the metrics provider, and builds consumers over them.
type Client struct {
	config      *config.Config
	backend     contracts.QueueBackend
	ownsBackend bool
	redisClient redis.UniversalClient
	ownsRedis   bool
	cache       *storage.RedisCache
	dedupe      *storage.RedisDedupeStore
	metrics     metrics.Provider
	reporter    progress.Reporter
	logger      zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a client with the provided options. The driver defaults to
// SQS. Redis is optional unless dedupe is enabled.
//
// Example:
//
//	client, err := queueharness.New(
//	    queueharness.WithDriver(queueharness.DriverRabbitMQ),
//	    queueharness.WithRabbitMQ("localhost", 5672, "guest", "guest", "/"),
//	    queueharness.WithQueues("orders"),
//	    queueharness.WithDeleteBad(true),
//	)
func New(opts ...Option) (*Client, error) {
	options := &Options{
		config: config.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(options)
	}
	cfg := options.config

	logger := options.logger
	if !options.loggerSet {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if cfg.Consumer.DedupeEnabled && !cfg.Redis.Enabled {
		return nil, ErrRedisRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()
	client := &Client{
		config:   cfg,
		logger:   logger,
		reporter: options.reporter,
	}
	if client.reporter == nil {
		client.reporter = progress.NewLogReporter(logger)
	}

	if cfg.Redis.Enabled {
		client.redisClient = options.redisClient
		client.ownsRedis = options.ownsRedis
		if client.redisClient == nil {
			client.redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			client.ownsRedis = true
		}
		if err := client.redisClient.Ping(ctx).Err(); err != nil {
			client.closeRedis()
			return nil, fmt.Errorf("%w: %v", ErrRedisConnectionFailed, err)
		}
		logger.Info().Msg("Redis connection verified")

		client.cache = storage.NewRedisCache(client.redisClient, redisPrefix)
		if cfg.Consumer.DedupeEnabled {
			client.dedupe = storage.NewRedisDedupeStore(client.redisClient, redisPrefix, logger)
		}
	}

	needsAWS := options.backend == nil && cfg.Messaging.Driver == config.DriverSQS
	var awsCfg aws.Config
	if needsAWS || cfg.Metrics.CloudWatch.Enabled {
		var err error
		awsCfg, err = sqsdriver.LoadAWSConfig(ctx, cfg)
		if err != nil {
			client.closeRedis()
			return nil, err
		}
	}

	var cwClient metrics.CloudWatchAPI
	if cfg.Metrics.CloudWatch.Enabled {
		cwClient = newCloudWatchClient(awsCfg, cfg)
	}
	provider, err := metrics.NewFactoryFromConfig(cfg, cwClient, logger).
		WithPrometheusRegistry(options.prometheusRegistry).
		Create()
	if err != nil {
		client.closeRedis()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	client.metrics = provider

	client.backend = options.backend
	if client.backend == nil {
		client.backend = client.newBackend(awsCfg)
		client.ownsBackend = true
	}

	logger.Info().
		Str("backend", client.backend.Name()).
		Strs("queues", cfg.Consumer.Queues).
		Str("metrics", provider.Name()).
		Bool("dedupe", client.dedupe != nil).
		Msg("Queue harness client initialized")

	return client, nil
}

func (c *Client) newBackend(awsCfg aws.Config) contracts.QueueBackend {
	switch c.config.Messaging.Driver {
	case config.DriverRabbitMQ:
		return rabbitmq.NewBackend(c.config, nil, c.logger)
	case config.DriverMemory:
		opts := []memory.Option{memory.WithAutoCreate(true), memory.WithLogger(c.logger)}
		if c.config.SQS.VisibilityTimeout > 0 {
			opts = append(opts, memory.WithVisibilityTimeout(time.Duration(c.config.SQS.VisibilityTimeout)*time.Second))
		}
		return memory.NewBackend(opts...)
	default:
		var cache contracts.Cache
		if c.cache != nil {
			cache = c.cache
		}
		return sqsdriver.NewBackend(sqsdriver.NewClient(awsCfg, c.config), c.config, cache, c.logger)
	}
}

func newCloudWatchClient(awsCfg aws.Config, cfg *config.Config) *cloudwatch.Client {
	if cfg.AWS.Endpoint == "" {
		return cloudwatch.NewFromConfig(awsCfg)
	}
	return cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
	})
}

func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// Run consumes the given queues, or the configured ones when none are
// given, until ctx is cancelled or the processor surfaces an error.
// Cancellation returns context.Canceled after in-flight messages settle.
func (c *Client) Run(ctx context.Context, processor Processor, queues ...string) error {
	consumer, err := c.Consumer(processor, queues...)
	if err != nil {
		return err
	}
	return consumer.Run(ctx)
}

// RunOnce runs a single fetch cycle over the given or configured queues.
// Use Consumer to keep pending operations across cycles.
func (c *Client) RunOnce(ctx context.Context, processor Processor, queues ...string) error {
	consumer, err := c.Consumer(processor, queues...)
	if err != nil {
		return err
	}
	return consumer.RunOnce(ctx)
}

// Enqueue encodes body as JSON and sends it to queue. The returned
// SendResult is also populated when the send fails.
//
// Example:
//
//	res, err := client.Enqueue(ctx, "orders", map[string]any{"order_id": 123})
//	fmt.Println(res.Status, res.MessageID)
func (c *Client) Enqueue(ctx context.Context, queue string, body any) (SendResult, error) {
	if err := c.checkClosed(); err != nil {
		return SendResult{Status: SendStatusError, Message: err.Error()}, err
	}

	encoded, err := payload.Encode(body)
	if err != nil {
		return SendResult{Status: SendStatusError, Message: err.Error()}, err
	}

	start := time.Now()
	var res SendResult
	_, err = retry.Do(ctx, sendRetryPolicy, contracts.IsTransportError,
		func(attempt int, err error, wait time.Duration) {
			c.logger.Warn().
				Str("queue", queue).
				Int("attempt", attempt).
				Dur("wait", wait).
				Err(err).
				Msg("Enqueue failed, retrying")
		},
		func() (SendResult, error) {
			var sendErr error
			res, sendErr = c.backend.Send(ctx, queue, encoded)
			return res, sendErr
		},
	)
	c.metrics.IncMessagesSent(ctx, queue, res.Status)
	if err != nil {
		c.logger.Error().
			Str("queue", queue).
			Str("backend", c.backend.Name()).
			Err(err).
			Msg("Failed to enqueue message")
		return res, err
	}

	c.logger.Debug().
		Str("queue", queue).
		Str("message_id", res.MessageID).
		Dur("duration", time.Since(start)).
		Msg("Message enqueued")
	return res, nil
}

// Resolve returns the backend address of a queue. For SQS this is the
// queue URL.
func (c *Client) Resolve(ctx context.Context, queue string) (string, error) {
	if err := c.checkClosed(); err != nil {
		return "", err
	}
	return c.backend.Resolve(ctx, queue)
}

// Receive fetches up to max messages from queue without settling them.
// Unsettled messages become visible again once the backend releases them.
func (c *Client) Receive(ctx context.Context, queue string, max, waitSeconds int) ([]RawMessage, error) {
	address, err := c.Resolve(ctx, queue)
	if err != nil {
		return nil, err
	}
	return c.backend.Receive(ctx, address, max, waitSeconds)
}

type depthReporter interface {
	Depth(ctx context.Context, address string) (int64, error)
}

type localDepthReporter interface {
	Depth(queue string) int
}

// Depth returns the approximate number of messages waiting in queue.
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	switch d := c.backend.(type) {
	case depthReporter:
		address, err := c.Resolve(ctx, queue)
		if err != nil {
			return 0, err
		}
		return d.Depth(ctx, address)
	case localDepthReporter:
		address, err := c.Resolve(ctx, queue)
		if err != nil {
			return 0, err
		}
		return int64(d.Depth(address)), nil
	default:
		return 0, ErrDepthUnsupported
	}
}

// Ping checks Redis, when configured, and resolves each queue.
func (c *Client) Ping(ctx context.Context, queues ...string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if c.cache != nil {
		if err := c.cache.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisConnectionFailed, err)
		}
	}
	for _, queue := range queues {
		if _, err := c.backend.Resolve(ctx, queue); err != nil {
			return fmt.Errorf("failed to resolve queue %s: %w", queue, err)
		}
	}
	return nil
}

// MetricsHandler returns the HTTP handler for Prometheus metrics.
// Returns nil if Prometheus metrics are not enabled.
//
// Example:
//
//	http.Handle("/metrics", client.MetricsHandler())
func (c *Client) MetricsHandler() http.Handler {
	if p, ok := c.metrics.(metrics.HTTPProvider); ok {
		return p.Handler()
	}
	return nil
}

// PrometheusEnabled returns true if Prometheus metrics are enabled.
func (c *Client) PrometheusEnabled() bool {
	return c.config.Metrics.Prometheus.Enabled
}

// Backend returns the queue backend in use.
func (c *Client) Backend() QueueBackend {
	return c.backend
}

// Config returns the client configuration.
func (c *Client) Config() *config.Config {
	return c.config
}

// Close flushes buffered metrics and releases the backend and Redis
// connections the client created itself.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if f, ok := c.metrics.(metrics.Flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.Flush(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to flush metrics")
		}
		cancel()
	}

	var firstErr error
	if c.ownsBackend {
		if err := c.backend.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close backend: %w", err)
		}
	}
	if err := c.closeRedis(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close redis: %w", err)
	}

	c.logger.Info().Msg("Queue harness client closed")
	return firstErr
}

func (c *Client) closeRedis() error {
	if c.redisClient == nil || !c.ownsRedis {
		return nil
	}
	return c.redisClient.Close()
}
