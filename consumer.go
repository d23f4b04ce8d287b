package queueharness

import (
	"context"

	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/retry"
	"github.com/our-edu/go-queue-harness/internal/scheduler"
)

// Consumer runs a processor over a fixed set of queues. It keeps the
// pending fetch of each queue between RunOnce calls, so a slow queue is
// not fetched again until its previous batch is done.
type Consumer struct {
	client    *Client
	scheduler *scheduler.Scheduler
	queues    []string
}

// Consumer builds a consumer for the given queues, or the configured ones
// when none are given.
//
// Example:
//
//	consumer, err := client.Consumer(processor, "orders", "invoices")
//	for ctx.Err() == nil {
//	    if err := consumer.RunOnce(ctx); err != nil {
//	        return err
//	    }
//	}
func (c *Client) Consumer(processor Processor, queues ...string) (*Consumer, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if processor == nil {
		return nil, ErrNoProcessor
	}
	if len(queues) == 0 {
		queues = c.config.Consumer.Queues
	}
	if len(queues) == 0 {
		return nil, ErrNoQueues
	}

	cfg := scheduler.Config{
		Queues:      queues,
		MaxMessages: c.config.Consumer.MaxMessages,
		WaitSeconds: c.config.Consumer.WaitSeconds,
		DeleteBad:   c.config.Consumer.DeleteBad,
		Retry: retry.Policy{
			MaxRetries:     c.config.Retry.MaxRetries,
			InitialBackoff: c.config.Retry.InitialBackoff,
			MaxBackoff:     c.config.Retry.MaxBackoff,
			Factor:         2.0,
			Jitter:         true,
		},
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(c.logger),
		scheduler.WithReporter(c.reporter),
		scheduler.WithMetrics(c.metrics),
	}
	if c.dedupe != nil {
		opts = append(opts, scheduler.WithDedupe(c.dedupe))
	}

	return &Consumer{
		client:    c,
		scheduler: scheduler.New(c.backend, withMessageContext(processor, c.backend.Name()), cfg, opts...),
		queues:    queues,
	}, nil
}

// withMessageContext exposes the queue, message id and backend to the
// processor through the context.
func withMessageContext(next Processor, backend string) Processor {
	return contracts.ProcessorFunc(func(ctx context.Context, body map[string]any, msg RawMessage) Result {
		ctx = context.WithValue(ctx, ContextKeyQueueName, msg.Queue)
		ctx = context.WithValue(ctx, ContextKeyMessageID, msg.ID)
		ctx = context.WithValue(ctx, ContextKeyBackend, backend)
		return next.Process(ctx, body, msg)
	})
}

// Run consumes until ctx is cancelled or the processor surfaces an error.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.client.checkClosed(); err != nil {
		return err
	}
	return c.scheduler.Run(ctx)
}

// RunOnce resolves the queues on first use and runs one fetch cycle.
func (c *Consumer) RunOnce(ctx context.Context) error {
	if err := c.client.checkClosed(); err != nil {
		return err
	}
	return c.scheduler.RunOnce(ctx)
}

// Queues returns the queues in cycle order.
func (c *Consumer) Queues() []string {
	return c.queues
}

// Processed returns how many messages were removed from queue.
func (c *Consumer) Processed(queue string) int {
	return c.scheduler.Processed(queue)
}

// TotalProcessed returns how many messages were removed across all queues.
func (c *Consumer) TotalProcessed() int {
	return c.scheduler.TotalProcessed()
}
