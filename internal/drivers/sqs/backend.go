package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/config"
	"github.com/our-edu/go-queue-harness/internal/contracts"
)

// SQS service limits
const (
	maxBatchSize   = 10
	maxWaitSeconds = 20
)

// API is the subset of the SQS client used by the backend
type API interface {
	queueURLAPI
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Backend implements contracts.QueueBackend on SQS. Failed messages are
// never returned explicitly: they reappear once their visibility timeout
// expires.
type Backend struct {
	client   API
	resolver *Resolver
	config   *config.Config
	logger   zerolog.Logger
}

// NewBackend creates an SQS backend. cache may be nil.
func NewBackend(client API, cfg *config.Config, cache contracts.Cache, logger zerolog.Logger) *Backend {
	return &Backend{
		client:   client,
		resolver: NewResolver(client, cfg, cache, logger),
		config:   cfg,
		logger:   logger,
	}
}

var _ contracts.QueueBackend = (*Backend)(nil)

// Name returns the backend name
func (b *Backend) Name() string {
	return string(config.DriverSQS)
}

// Resolve returns the queue URL for queueName
func (b *Backend) Resolve(ctx context.Context, queueName string) (string, error) {
	return b.resolver.Resolve(ctx, queueName)
}

// Receive long-polls the queue once
func (b *Backend) Receive(ctx context.Context, address string, maxMessages, waitSeconds int) ([]contracts.RawMessage, error) {
	maxMessages = clamp(maxMessages, 1, maxBatchSize)
	waitSeconds = clamp(waitSeconds, 0, maxWaitSeconds)

	result, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(address),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       int32(waitSeconds),
		VisibilityTimeout:     int32(b.config.SQS.VisibilityTimeout),
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, contracts.NewTransportError("receive", address, err)
	}

	messages := make([]contracts.RawMessage, 0, len(result.Messages))
	for _, msg := range result.Messages {
		messages = append(messages, toRawMessage(msg, address))
	}

	if len(messages) > 0 {
		b.logger.Debug().
			Int("count", len(messages)).
			Str("queue", address).
			Msg("Received messages")
	}
	return messages, nil
}

// Acknowledge deletes the message
func (b *Backend) Acknowledge(ctx context.Context, address string, msg contracts.RawMessage) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(address),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return contracts.NewTransportError("delete", address, err)
	}
	return nil
}

// Reject deletes the message when requeue is false. With requeue the
// message is left alone and becomes visible again after its timeout.
func (b *Backend) Reject(ctx context.Context, address string, msg contracts.RawMessage, requeue bool) error {
	if requeue {
		return nil
	}
	return b.Acknowledge(ctx, address, msg)
}

// Send enqueues body on queueName
func (b *Backend) Send(ctx context.Context, queueName string, body string) (contracts.SendResult, error) {
	failed := contracts.SendResult{Status: contracts.SendStatusError, Message: "Failed to queue message"}

	url, err := b.resolver.Resolve(ctx, queueName)
	if err != nil {
		return failed, err
	}

	result, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(body),
	})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			// the memoized URL outlived its queue; look it up again next time
			b.resolver.Forget(ctx, queueName)
			return failed, contracts.NewNotFoundError(queueName, err)
		}
		return failed, contracts.NewTransportError("send", queueName, err)
	}
	if result.MessageId == nil {
		return failed, nil
	}

	b.logger.Debug().
		Str("queue", queueName).
		Str("message_id", *result.MessageId).
		Msg("Queued message")

	return contracts.SendResult{
		Status:    contracts.SendStatusSuccess,
		Message:   "Message queued",
		MessageID: *result.MessageId,
	}, nil
}

// Depth returns the approximate number of visible messages on the queue
func (b *Backend) Depth(ctx context.Context, address string) (int64, error) {
	result, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(address),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		return 0, contracts.NewTransportError("attributes", address, err)
	}

	raw := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse message count %q: %w", raw, err)
	}
	return count, nil
}

// Close is a no-op; the SQS client holds no connections of its own
func (b *Backend) Close() error {
	return nil
}

func toRawMessage(msg types.Message, address string) contracts.RawMessage {
	attrs := make(map[string]string, len(msg.Attributes)+len(msg.MessageAttributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	for k, v := range msg.MessageAttributes {
		attrs[k] = aws.ToString(v.StringValue)
	}

	receiveCount, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

	return contracts.RawMessage{
		ID:            aws.ToString(msg.MessageId),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		Body:          []byte(aws.ToString(msg.Body)),
		Attributes:    attrs,
		Queue:         address,
		Redelivered:   receiveCount > 1,
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
