// Package memory implements an in-process queue backend with SQS-style
// visibility timeouts. It backs the memory driver and the scheduler tests.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/config"
	"github.com/our-edu/go-queue-harness/internal/contracts"
)

// DefaultVisibilityTimeout hides a received message until it is settled
const DefaultVisibilityTimeout = 30 * time.Second

// ErrClosed is returned by operations on a closed backend
var ErrClosed = errors.New("memory backend closed")

type entry struct {
	id           string
	body         []byte
	receipt      string
	receiveCount int
	visibleAt    time.Time
}

// Option configures a Backend
type Option func(*Backend)

// WithQueues pre-creates queues so that they resolve
func WithQueues(names ...string) Option {
	return func(b *Backend) {
		for _, name := range names {
			b.queues[name] = nil
		}
	}
}

// WithAutoCreate makes Resolve and Send create unknown queues
func WithAutoCreate(enabled bool) Option {
	return func(b *Backend) {
		b.autoCreate = enabled
	}
}

// WithVisibilityTimeout sets how long a received message stays hidden
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.visibility = d
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// Backend is a concurrency-safe in-memory queue backend
type Backend struct {
	mu         sync.Mutex
	queues     map[string][]*entry
	signal     chan struct{}
	closed     bool
	autoCreate bool
	visibility time.Duration
	logger     zerolog.Logger
}

// NewBackend creates an empty memory backend
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		queues:     make(map[string][]*entry),
		signal:     make(chan struct{}),
		visibility: DefaultVisibilityTimeout,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ contracts.QueueBackend = (*Backend)(nil)

// Name returns the backend name
func (b *Backend) Name() string {
	return string(config.DriverMemory)
}

// Resolve returns the queue name when the queue exists
func (b *Backend) Resolve(ctx context.Context, queueName string) (string, error) {
	if contracts.IsAddress(queueName) {
		return queueName, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; ok {
		return queueName, nil
	}
	if b.autoCreate {
		b.queues[queueName] = nil
		return queueName, nil
	}
	return "", contracts.NewNotFoundError(queueName, nil)
}

// Receive returns up to maxMessages visible messages, hiding each for the
// visibility timeout. It waits up to waitSeconds when none are visible.
func (b *Backend) Receive(ctx context.Context, address string, maxMessages, waitSeconds int) ([]contracts.RawMessage, error) {
	maxMessages = max(maxMessages, 1)
	deadline := time.Now().Add(time.Duration(max(waitSeconds, 0)) * time.Second)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, contracts.NewTransportError("receive", address, ErrClosed)
		}
		if _, ok := b.queues[address]; !ok {
			b.mu.Unlock()
			return nil, contracts.NewTransportError("receive", address, contracts.NewNotFoundError(address, nil))
		}

		now := time.Now()
		messages, nextVisible := b.take(address, now, maxMessages)
		signal := b.signal
		b.mu.Unlock()

		if len(messages) > 0 {
			return messages, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}
		if !nextVisible.IsZero() {
			remaining = min(remaining, nextVisible.Sub(now))
		}

		timer := time.NewTimer(remaining)
		select {
		case <-signal:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// take hides and returns visible messages. It also reports when the next
// hidden message becomes visible. b.mu must be held.
func (b *Backend) take(address string, now time.Time, maxMessages int) ([]contracts.RawMessage, time.Time) {
	var messages []contracts.RawMessage
	var nextVisible time.Time

	for _, e := range b.queues[address] {
		if e.visibleAt.After(now) {
			if nextVisible.IsZero() || e.visibleAt.Before(nextVisible) {
				nextVisible = e.visibleAt
			}
			continue
		}
		if len(messages) == maxMessages {
			continue
		}

		e.receiveCount++
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(b.visibility)
		messages = append(messages, contracts.RawMessage{
			ID:            e.id,
			ReceiptHandle: e.receipt,
			Body:          append([]byte(nil), e.body...),
			Attributes: map[string]string{
				"ApproximateReceiveCount": strconv.Itoa(e.receiveCount),
			},
			Queue:       address,
			Redelivered: e.receiveCount > 1,
		})
	}
	return messages, nextVisible
}

// find returns the index of the entry holding msg's current receipt. b.mu must be held.
func (b *Backend) find(address string, msg contracts.RawMessage) int {
	for i, e := range b.queues[address] {
		if e.id == msg.ID && e.receipt == msg.ReceiptHandle {
			return i
		}
	}
	return -1
}

// Acknowledge deletes the message. A stale receipt is ignored.
func (b *Backend) Acknowledge(ctx context.Context, address string, msg contracts.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.find(address, msg); i >= 0 {
		entries := b.queues[address]
		b.queues[address] = append(entries[:i], entries[i+1:]...)
	}
	return nil
}

// Reject deletes the message. With requeue it is left hidden until its
// visibility timeout expires, as SQS does.
func (b *Backend) Reject(ctx context.Context, address string, msg contracts.RawMessage, requeue bool) error {
	if requeue {
		return nil
	}
	return b.Acknowledge(ctx, address, msg)
}

// Send appends body to the queue
func (b *Backend) Send(ctx context.Context, queueName string, body string) (contracts.SendResult, error) {
	failed := contracts.SendResult{Status: contracts.SendStatusError, Message: "Failed to queue message"}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return failed, contracts.NewTransportError("send", queueName, ErrClosed)
	}
	if _, ok := b.queues[queueName]; !ok && !b.autoCreate {
		return failed, contracts.NewNotFoundError(queueName, nil)
	}

	id := uuid.NewString()
	b.queues[queueName] = append(b.queues[queueName], &entry{id: id, body: []byte(body)})
	b.notify()

	b.logger.Debug().Str("queue", queueName).Str("message_id", id).Msg("Queued message")
	return contracts.SendResult{
		Status:    contracts.SendStatusSuccess,
		Message:   "Message queued",
		MessageID: id,
	}, nil
}

// notify wakes every waiting Receive. b.mu must be held.
func (b *Backend) notify() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Depth returns the number of messages in the queue, visible or not
func (b *Backend) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queueName])
}

// Close wakes waiting receivers and rejects further operations
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.notify()
	}
	return nil
}
