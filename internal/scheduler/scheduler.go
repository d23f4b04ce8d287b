// Package scheduler drives a queue backend and a processor. Polling
// backends are fetched in join-all cycles; streaming backends push
// deliveries through a single dispatch loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/metrics"
	"github.com/our-edu/go-queue-harness/internal/progress"
	"github.com/our-edu/go-queue-harness/internal/retry"
)

// idleDelay paces polling cycles that use a zero wait and come back empty
const idleDelay = 200 * time.Millisecond

// ErrNoQueues is returned when the scheduler has nothing to consume
var ErrNoQueues = errors.New("no queues configured")

// Config holds the consumption settings
type Config struct {
	// Queues are consumed in this order every cycle
	Queues      []string
	MaxMessages int
	WaitSeconds int
	// DeleteBad acknowledges failed messages instead of leaving them for redelivery
	DeleteBad bool
	// Retry paces broker pipeline reconnects
	Retry retry.Policy
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithReporter sets the progress reporter
func WithReporter(r progress.Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithMetrics sets the metrics provider
func WithMetrics(p metrics.Provider) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.metrics = p
		}
	}
}

// WithDedupe enables the processed-id guard
func WithDedupe(store contracts.DedupeStore) Option {
	return func(s *Scheduler) {
		s.dedupe = store
	}
}

// Scheduler owns the pending-operation table. RunOnce and Run must not be
// called concurrently.
type Scheduler struct {
	backend   contracts.QueueBackend
	processor contracts.Processor
	config    Config
	logger    zerolog.Logger
	reporter  progress.Reporter
	metrics   metrics.Provider
	dedupe    contracts.DedupeStore

	addresses map[string]string
	pending   map[string]*PendingOperation
	inflight  sync.WaitGroup

	mu        sync.Mutex
	processed map[string]int
}

// New creates a scheduler
func New(backend contracts.QueueBackend, processor contracts.Processor, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend:   backend,
		processor: processor,
		config:    cfg,
		logger:    zerolog.Nop(),
		reporter:  progress.Nop,
		metrics:   metrics.NewNoopProvider(),
		addresses: make(map[string]string),
		pending:   make(map[string]*PendingOperation),
		processed: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve turns every configured queue name into an address. Unknown
// queues abort here, before any fetch is issued. Transport failures are
// retried with the Retry policy until ctx is done.
func (s *Scheduler) Resolve(ctx context.Context) error {
	if len(s.config.Queues) == 0 {
		return ErrNoQueues
	}

	for _, queue := range s.config.Queues {
		if _, ok := s.addresses[queue]; ok {
			continue
		}
		address, err := retry.Do(ctx, s.config.Retry, contracts.IsTransportError,
			func(attempt int, err error, wait time.Duration) {
				s.logger.Warn().
					Err(err).
					Str("queue", queue).
					Int("attempt", attempt).
					Dur("backoff", wait).
					Msg("Failed to resolve queue, retrying")
			},
			func() (string, error) {
				return s.backend.Resolve(ctx, queue)
			})
		if err != nil {
			return fmt.Errorf("failed to resolve queue %s: %w", queue, err)
		}
		s.addresses[queue] = address

		s.logger.Info().
			Str("queue", queue).
			Str("address", address).
			Str("backend", s.backend.Name()).
			Msg("Resolved queue")
	}
	return nil
}

// Run consumes until ctx is cancelled or a processor surfaces an error.
// Messages being processed when ctx is cancelled are finished and settled
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Resolve(ctx); err != nil {
		return err
	}

	if sb, ok := s.backend.(contracts.StreamingBackend); ok {
		return s.runStreaming(ctx, sb)
	}

	for {
		received, err := s.cycle(ctx)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			s.inflight.Wait()
			s.logSummary()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if received == 0 && s.config.WaitSeconds == 0 {
			select {
			case <-time.After(idleDelay):
			case <-ctx.Done():
			}
		}
	}
}

// RunOnce runs a single polling cycle: fetch every queue whose previous
// operation settled, then wait for all of them.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.Resolve(ctx); err != nil {
		return err
	}
	_, err := s.cycle(ctx)
	return err
}

func (s *Scheduler) cycle(ctx context.Context) (int, error) {
	for _, queue := range s.config.Queues {
		if op, ok := s.pending[queue]; ok && !op.Settled() {
			s.reporter.Report(progress.Event{Queue: queue, Backend: s.backend.Name(), State: progress.StatePending})
			continue
		}
		s.pending[queue] = s.fetch(ctx, queue)
	}
	s.metrics.SetPendingOperations(ctx, float64(s.inFlight()))

	return s.join(ctx)
}

// join waits for every operation in the table. A slow queue therefore
// holds back the next fetch of every other queue.
func (s *Scheduler) join(ctx context.Context) (int, error) {
	received := 0
	var surfaced error

	for _, queue := range s.config.Queues {
		op, ok := s.pending[queue]
		if !ok {
			continue
		}
		select {
		case <-op.Done():
		case <-ctx.Done():
			return received, ctx.Err()
		}

		received += op.received
		if surfaced == nil && contracts.IsSurfacedError(op.err) {
			surfaced = op.err
		}
	}
	s.metrics.SetPendingOperations(ctx, 0)
	return received, surfaced
}

// fetch issues a receive for queue and processes the returned batch on
// its own goroutine
func (s *Scheduler) fetch(ctx context.Context, queue string) *PendingOperation {
	op := newPendingOperation(queue)
	address := s.addresses[queue]
	backend := s.backend.Name()

	s.reporter.Report(progress.Event{Queue: queue, Backend: backend, State: progress.StateInitiating})
	s.metrics.IncFetches(ctx, queue, backend)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer close(op.done)

		start := time.Now()
		messages, err := s.backend.Receive(ctx, address, s.config.MaxMessages, s.config.WaitSeconds)
		s.metrics.ObserveFetchDuration(ctx, queue, float64(time.Since(start).Milliseconds()))

		if err != nil {
			op.err = err
			if ctx.Err() != nil {
				return
			}
			s.metrics.IncFetchErrors(ctx, queue, backend)
			s.reporter.Report(progress.Event{Queue: queue, Backend: backend, State: progress.StateRejected, Err: err})
			s.logger.Error().
				Str("queue", queue).
				Err(err).
				Msg("Failed to receive messages")
			return
		}

		op.received = len(messages)
		s.reporter.Report(progress.Event{Queue: queue, Backend: backend, State: progress.StateResolved})
		if len(messages) > 0 {
			s.metrics.AddMessagesReceived(ctx, queue, len(messages))
			s.logger.Debug().
				Str("queue", queue).
				Int("count", len(messages)).
				Msg("Received messages")
		}

		for _, msg := range messages {
			// the rest of the batch is redelivered
			if ctx.Err() != nil {
				break
			}
			removed, err := s.handle(ctx, queue, address, msg)
			if removed {
				op.processed++
			}
			if err != nil {
				op.err = err
				break
			}
		}

		s.reporter.Report(progress.Event{
			Queue:   queue,
			Backend: backend,
			State:   progress.StateProcessed,
			Count:   op.processed,
		})
	}()
	return op
}

func (s *Scheduler) inFlight() int {
	n := 0
	for _, op := range s.pending {
		if !op.Settled() {
			n++
		}
	}
	return n
}

func (s *Scheduler) addProcessed(queue string, n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.processed[queue] += n
	s.mu.Unlock()
}

// Processed returns the number of messages removed from queue so far
func (s *Scheduler) Processed(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[queue]
}

// TotalProcessed returns the number of messages removed from every queue
func (s *Scheduler) TotalProcessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.processed {
		total += n
	}
	return total
}

// Pending returns the operation currently stored for queue
func (s *Scheduler) Pending(queue string) (*PendingOperation, bool) {
	op, ok := s.pending[queue]
	return op, ok
}

func (s *Scheduler) logSummary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queue := range s.config.Queues {
		s.logger.Info().
			Str("queue", queue).
			Int("processed", s.processed[queue]).
			Msg("Queue consumer shutting down")
	}
}
