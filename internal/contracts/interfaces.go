// Package contracts defines the interfaces shared by the queue harness components.
package contracts

import (
	"context"
	"errors"
	"regexp"
)

// QueueBackend is the uniform capability interface over the supported transports.
type QueueBackend interface {
	// Name returns the backend identifier (sqs, rabbitmq, memory)
	Name() string
	// Resolve turns a queue name into a transport address. Names that already
	// look like an address are returned unchanged.
	Resolve(ctx context.Context, queueName string) (string, error)
	// Receive fetches up to maxMessages, waiting up to waitSeconds for availability.
	// An empty slice is not an error.
	Receive(ctx context.Context, address string, maxMessages, waitSeconds int) ([]RawMessage, error)
	// Acknowledge permanently removes the message from the queue.
	Acknowledge(ctx context.Context, address string, msg RawMessage) error
	// Reject discards the message (requeue=false) or returns it for redelivery (requeue=true).
	Reject(ctx context.Context, address string, msg RawMessage, requeue bool) error
	// Send publishes a body to the named queue.
	Send(ctx context.Context, queueName string, body string) (SendResult, error)
	// Close releases transport resources
	Close() error
}

// StreamingBackend is implemented by push-based backends. When the scheduler
// sees it, it runs the dedicated delivery loop instead of polling.
type StreamingBackend interface {
	QueueBackend
	// Deliveries establishes the consumption pipeline for the address and returns
	// the channel pushed messages arrive on. The channel is closed when the
	// pipeline dies or ctx is done.
	Deliveries(ctx context.Context, address string) (<-chan RawMessage, error)
}

// RawMessage is the backend-specific envelope of a received message.
type RawMessage struct {
	// ID is the transport message id (SQS MessageId, AMQP message-id)
	ID string
	// ReceiptHandle is used by SQS to delete the message
	ReceiptHandle string
	// DeliveryTag is used by AMQP to ack/nack the message
	DeliveryTag uint64
	// Body is the raw message body, expected to be a JSON object
	Body []byte
	// Attributes contains transport metadata
	Attributes map[string]string
	// Queue is the queue name the message was received from
	Queue string
	// Redelivered is true when the broker reports a previous delivery attempt
	Redelivered bool
}

// SendResult is returned by the enqueue primitive.
type SendResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	MessageID string `json:"id,omitempty"`
}

const (
	SendStatusSuccess = "success"
	SendStatusError   = "error"
)

// Result is the outcome of processing one message.
type Result struct {
	// OK means the message is fully handled and must be removed from the queue
	OK bool
	// Err carries the failure detail when OK is false
	Err error
}

// Success returns a successful result
func Success() Result {
	return Result{OK: true}
}

// Failure returns a failed result carrying err
func Failure(err error) Result {
	return Result{OK: false, Err: err}
}

// Processor handles a single decoded message.
type Processor interface {
	Process(ctx context.Context, body map[string]any, msg RawMessage) Result
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, body map[string]any, msg RawMessage) Result

// Process calls f(ctx, body, msg)
func (f ProcessorFunc) Process(ctx context.Context, body map[string]any, msg RawMessage) Result {
	return f(ctx, body, msg)
}

// Cache is a small string key/value store used to memoize queue addresses.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}

// ErrAlreadyProcessing is returned by DedupeStore.MarkProcessing when another
// worker holds the lock for the message id.
var ErrAlreadyProcessing = errors.New("message is already being processed")

// DedupeStore records processed message ids.
type DedupeStore interface {
	// IsProcessed checks if a message id has already been processed
	IsProcessed(ctx context.Context, queue, messageID string) (bool, error)
	// MarkProcessing takes a short lock on the message id
	MarkProcessing(ctx context.Context, queue, messageID string) error
	// MarkProcessed records the message id as processed
	MarkProcessed(ctx context.Context, queue, messageID string) error
	// ClearProcessing releases the lock
	ClearProcessing(ctx context.Context, queue, messageID string) error
}

var addressPattern = regexp.MustCompile(`^https?:`)

// IsAddress reports whether the queue name is already a fully qualified address.
func IsAddress(queueName string) bool {
	return addressPattern.MatchString(queueName)
}
