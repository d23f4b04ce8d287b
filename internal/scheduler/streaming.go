package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/progress"
	"github.com/our-edu/go-queue-harness/internal/retry"
)

// ErrPipelineClosed is reported when a queue's delivery channel closes
// while the scheduler is still running
var ErrPipelineClosed = errors.New("delivery channel closed")

type delivery struct {
	queue   string
	address string
	msg     contracts.RawMessage
}

// runStreaming consumes every queue's pipeline and processes deliveries
// one at a time, in arrival order across queues
func (s *Scheduler) runStreaming(ctx context.Context, sb contracts.StreamingBackend) error {
	ctx, cancel := context.WithCancel(ctx)

	deliveries := make(chan delivery)
	fatal := make(chan error, len(s.config.Queues))

	var wg sync.WaitGroup
	for _, queue := range s.config.Queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := s.consume(ctx, sb, queue, deliveries); err != nil {
				fatal <- err
			}
		}(queue)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		select {
		case d := <-deliveries:
			s.metrics.AddMessagesReceived(ctx, d.queue, 1)
			if _, err := s.handle(ctx, d.queue, d.address, d.msg); err != nil {
				s.logSummary()
				return err
			}
		case err := <-fatal:
			s.logSummary()
			return err
		case <-ctx.Done():
			s.logSummary()
			return ctx.Err()
		}
	}
}

// consume keeps queue's pipeline alive, reconnecting with backoff, and
// forwards its deliveries. It returns an error once the retry policy is
// exhausted.
func (s *Scheduler) consume(ctx context.Context, sb contracts.StreamingBackend, queue string, out chan<- delivery) error {
	address := s.addresses[queue]
	backoff := retry.NewBackoff(s.config.Retry)
	attempts := 0

	for {
		s.reporter.Report(progress.Event{Queue: queue, Backend: sb.Name(), State: progress.StateInitiating})
		messages, err := sb.Deliveries(ctx, address)
		if err == nil {
			backoff.Reset()
			attempts = 0
			s.reporter.Report(progress.Event{Queue: queue, Backend: sb.Name(), State: progress.StateWaiting})

			if !forward(ctx, queue, address, messages, out) {
				return nil
			}
			err = contracts.NewFatalPipelineError(contracts.StageConsume, queue, ErrPipelineClosed)
		}
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		if s.config.Retry.MaxRetries > 0 && attempts > s.config.Retry.MaxRetries {
			return fmt.Errorf("giving up on queue %s after %d attempts: %w", queue, attempts, err)
		}

		wait := backoff.Next()
		s.metrics.IncPipelineRestarts(ctx, queue)
		s.reporter.Report(progress.Event{Queue: queue, Backend: sb.Name(), State: progress.StateReconnect, Err: err})
		s.logger.Warn().
			Str("queue", queue).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Err(err).
			Msg("Broker pipeline failed, reconnecting")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// forward passes messages to out until the channel closes. It returns
// false when ctx is done first.
func forward(ctx context.Context, queue, address string, messages <-chan contracts.RawMessage, out chan<- delivery) bool {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return true
			}
			select {
			case out <- delivery{queue: queue, address: address, msg: msg}:
			case <-ctx.Done():
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}
