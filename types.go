package queueharness

import (
	"context"
	"errors"

	"github.com/our-edu/go-queue-harness/internal/config"
	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/progress"
)

// Context keys for message metadata
type contextKey string

const (
	// ContextKeyQueueName is the context key for the queue the message was
	// received from, as the backend addresses it (the queue URL on SQS)
	ContextKeyQueueName contextKey = "queueharness.queue_name"
	// ContextKeyMessageID is the context key for the message ID
	ContextKeyMessageID contextKey = "queueharness.message_id"
	// ContextKeyBackend is the context key for the backend name
	ContextKeyBackend contextKey = "queueharness.backend"
)

// QueueNameFromContext returns the queue name from the context.
// Returns empty string if not set.
func QueueNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyQueueName).(string); ok {
		return v
	}
	return ""
}

// MessageIDFromContext returns the message ID from the context.
// Returns empty string if not set.
func MessageIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyMessageID).(string); ok {
		return v
	}
	return ""
}

// BackendFromContext returns the name of the backend the message came from.
// Returns empty string if not set.
func BackendFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyBackend).(string); ok {
		return v
	}
	return ""
}

// Config is the full harness configuration
type Config = config.Config

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads a .env file when present, then the environment.
func LoadConfig() *Config {
	return config.Load()
}

// ParseDriver validates a driver name such as "sqs" or "rabbitmq"
func ParseDriver(s string) (DriverType, error) {
	return config.ParseDriver(s)
}

// SplitQueues splits a comma-separated queue list, dropping blanks
func SplitQueues(s string) []string {
	return config.SplitQueues(s)
}

type (
	// Processor handles one decoded message. Its Result decides whether the
	// message is acknowledged or goes through the failure policy.
	Processor = contracts.Processor
	// ProcessorFunc adapts a function to Processor
	ProcessorFunc = contracts.ProcessorFunc
	// Result is the outcome of processing one message
	Result = contracts.Result
	// RawMessage is a received message with its transport metadata
	RawMessage = contracts.RawMessage
	// SendResult is returned by Enqueue
	SendResult = contracts.SendResult
	// QueueBackend is the transport abstraction
	QueueBackend = contracts.QueueBackend
	// StreamingBackend is a push-based QueueBackend
	StreamingBackend = contracts.StreamingBackend

	// DriverType selects the backend
	DriverType = config.DriverType

	// Reporter receives per-queue progress events
	Reporter = progress.Reporter
	// ProgressEvent is one progress transition
	ProgressEvent = progress.Event
)

const (
	DriverSQS      = config.DriverSQS
	DriverRabbitMQ = config.DriverRabbitMQ
	DriverMemory   = config.DriverMemory
)

// Send statuses
const (
	SendStatusSuccess = contracts.SendStatusSuccess
	SendStatusError   = contracts.SendStatusError
)

// Success returns a Result that acknowledges the message
func Success() Result {
	return contracts.Success()
}

// Failure returns a Result that sends the message through the failure policy
func Failure(err error) Result {
	return contracts.Failure(err)
}

// Common errors
var (
	// ErrClientClosed is returned when operations are attempted on a closed client
	ErrClientClosed = errors.New("queueharness: client is closed")

	// ErrRedisRequired is returned when dedupe is enabled without Redis
	ErrRedisRequired = errors.New("queueharness: Redis is required for dedupe - use WithRedis() or WithRedisClient() option")

	// ErrRedisConnectionFailed is returned when Redis connection cannot be established
	ErrRedisConnectionFailed = errors.New("queueharness: failed to connect to Redis")

	// ErrNoQueues is returned when there is nothing to consume
	ErrNoQueues = errors.New("queueharness: no queues configured")

	// ErrNoProcessor is returned when Run is called without a processor
	ErrNoProcessor = errors.New("queueharness: processor is required")

	// ErrDepthUnsupported is returned by Depth for backends that cannot report it
	ErrDepthUnsupported = errors.New("queueharness: backend does not report queue depth")
)

// ErrorType represents the classification of an error
type ErrorType = contracts.ErrorType

const (
	ErrorTypeUnknown       = contracts.ErrorTypeUnknown
	ErrorTypeTransport     = contracts.ErrorTypeTransport
	ErrorTypeNotFound      = contracts.ErrorTypeNotFound
	ErrorTypeDecode        = contracts.ErrorTypeDecode
	ErrorTypeProcessing    = contracts.ErrorTypeProcessing
	ErrorTypeFatalPipeline = contracts.ErrorTypeFatalPipeline
	ErrorTypeSurfaced      = contracts.ErrorTypeSurfaced
)

type (
	// TransportError is a network or authentication failure talking to a backend.
	// The consumer logs it and fetches again next cycle.
	TransportError = contracts.TransportError
	// NotFoundError is returned when a queue cannot be resolved. Run aborts on it.
	NotFoundError = contracts.NotFoundError
	// DecodeError is a message body that is not a JSON object
	DecodeError = contracts.DecodeError
	// ProcessingError is a processor failure, including a recovered panic
	ProcessingError = contracts.ProcessingError
	// FatalPipelineError is a broker connect/channel/qos/declare/consume failure
	FatalPipelineError = contracts.FatalPipelineError
	// SurfacedError is a processor error that stops Run
	SurfacedError = contracts.SurfacedError
)

// NewProcessingError creates a new processing error.
func NewProcessingError(msg string, cause error) *ProcessingError {
	return contracts.NewProcessingError(msg, cause)
}

// Surface marks err so that Run stops and returns it instead of applying
// the failure policy.
func Surface(err error) error {
	return contracts.Surface(err)
}

// IsTransportError checks if an error is a transport error.
func IsTransportError(err error) bool { return contracts.IsTransportError(err) }

// IsNotFoundError checks if an error is a not-found error.
func IsNotFoundError(err error) bool { return contracts.IsNotFoundError(err) }

// IsDecodeError checks if an error is a decode error.
func IsDecodeError(err error) bool { return contracts.IsDecodeError(err) }

// IsProcessingError checks if an error is a processing error.
func IsProcessingError(err error) bool { return contracts.IsProcessingError(err) }

// IsFatalPipelineError checks if an error is a broker pipeline error.
func IsFatalPipelineError(err error) bool { return contracts.IsFatalPipelineError(err) }

// IsSurfacedError checks if an error was surfaced by a processor.
func IsSurfacedError(err error) bool { return contracts.IsSurfacedError(err) }

// ClassifyError returns the error type for the given error.
func ClassifyError(err error) ErrorType {
	return contracts.Classify(err)
}
