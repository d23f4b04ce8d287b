package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/metrics"
	"github.com/our-edu/go-queue-harness/internal/progress"
	"github.com/our-edu/go-queue-harness/pkg/payload"
)

// ErrProcessorFailed stands in for a failed Result that carries no error
var ErrProcessorFailed = errors.New("processor reported failure")

// handle decodes, processes and settles one message. It reports whether
// the message was removed from the queue. The only error it returns is a
// surfaced processor error.
//
// Processing and settlement ignore cancellation of ctx so that a message
// that started is always finished.
func (s *Scheduler) handle(ctx context.Context, queue, address string, msg contracts.RawMessage) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With().Str("queue", queue).Str("message_id", msg.ID).Logger()

	if s.dedupe != nil && msg.ID != "" {
		skip, release := s.guard(ctx, log, queue, address, msg)
		if skip {
			return false, nil
		}
		if release == nil {
			// already processed and acknowledged
			s.addProcessed(queue, 1)
			return true, nil
		}
		defer release()
	}

	start := time.Now()
	result := s.process(ctx, msg)
	s.metrics.ObserveProcessingDuration(ctx, queue, float64(time.Since(start).Milliseconds()))

	if result.OK {
		if err := s.backend.Acknowledge(ctx, address, msg); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge message")
			return false, nil
		}
		s.metrics.IncMessagesProcessed(ctx, queue, metrics.OutcomeAcknowledged)
		s.markProcessed(ctx, log, queue, msg)
		s.addProcessed(queue, 1)
		log.Debug().Dur("duration", time.Since(start)).Msg("Message processed successfully")
		return true, nil
	}

	err := result.Err
	if err == nil {
		err = ErrProcessorFailed
	}
	errType := contracts.Classify(err)
	s.metrics.IncProcessingErrors(ctx, queue, errType.String())

	var stack []byte
	var perr *contracts.ProcessingError
	if errors.As(err, &perr) {
		stack = perr.Stack
	}
	s.reporter.Report(progress.Event{
		Queue:     queue,
		Backend:   s.backend.Name(),
		State:     progress.StateFailed,
		MessageID: msg.ID,
		Err:       err,
		Stack:     stack,
	})

	if errType == contracts.ErrorTypeSurfaced {
		log.Error().Err(err).Msg("Processor surfaced an error, stopping")
		return false, err
	}

	if s.config.DeleteBad {
		log.Warn().Err(err).Str("error_type", errType.String()).Msg("Processing failed, dropping message")
		if ackErr := s.backend.Reject(ctx, address, msg, false); ackErr != nil {
			log.Error().Err(ackErr).Msg("Failed to drop message")
			return false, nil
		}
		s.reporter.Report(progress.Event{Queue: queue, Backend: s.backend.Name(), State: progress.StateDropped, MessageID: msg.ID})
		s.metrics.IncMessagesProcessed(ctx, queue, metrics.OutcomeDropped)
		s.addProcessed(queue, 1)
		return true, nil
	}

	log.Warn().Err(err).Str("error_type", errType.String()).Msg("Processing failed, leaving for retry")
	if nackErr := s.backend.Reject(ctx, address, msg, true); nackErr != nil {
		log.Error().Err(nackErr).Msg("Failed to requeue message")
	}
	s.reporter.Report(progress.Event{Queue: queue, Backend: s.backend.Name(), State: progress.StateRequeued, MessageID: msg.ID})
	s.metrics.IncMessagesProcessed(ctx, queue, metrics.OutcomeRequeued)
	return false, nil
}

// process decodes the body and runs the processor, turning a panic into a
// ProcessingError that carries the stack
func (s *Scheduler) process(ctx context.Context, msg contracts.RawMessage) (result contracts.Result) {
	body, err := payload.Decode(msg.Body)
	if err != nil {
		return contracts.Failure(err)
	}

	defer func() {
		if r := recover(); r != nil {
			perr := contracts.NewProcessingError("processor panicked", fmt.Errorf("%v", r))
			perr.Stack = debug.Stack()
			result = contracts.Failure(perr)
		}
	}()
	return s.processor.Process(ctx, body, msg)
}

// guard consults the dedupe store. skip means another worker holds the
// message. A nil release with skip unset means the id was already
// processed and the message has been acknowledged.
func (s *Scheduler) guard(ctx context.Context, log zerolog.Logger, queue, address string, msg contracts.RawMessage) (skip bool, release func()) {
	done, err := s.dedupe.IsProcessed(ctx, queue, msg.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Dedupe check failed, processing anyway")
		return false, func() {}
	}
	if done {
		if err := s.backend.Acknowledge(ctx, address, msg); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge duplicate message")
			return true, nil
		}
		s.metrics.IncMessagesProcessed(ctx, queue, metrics.OutcomeDuplicate)
		log.Info().Msg("Message already processed, skipping")
		return false, nil
	}

	if err := s.dedupe.MarkProcessing(ctx, queue, msg.ID); err != nil {
		if errors.Is(err, contracts.ErrAlreadyProcessing) {
			log.Info().Msg("Message is being processed by another consumer")
			if err := s.backend.Reject(ctx, address, msg, true); err != nil {
				log.Error().Err(err).Msg("Failed to requeue locked message")
			}
			return true, nil
		}
		log.Warn().Err(err).Msg("Failed to take processing lock, processing anyway")
		return false, func() {}
	}

	return false, func() {
		if err := s.dedupe.ClearProcessing(ctx, queue, msg.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to release processing lock")
		}
	}
}

func (s *Scheduler) markProcessed(ctx context.Context, log zerolog.Logger, queue string, msg contracts.RawMessage) {
	if s.dedupe == nil || msg.ID == "" {
		return
	}
	if err := s.dedupe.MarkProcessed(ctx, queue, msg.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to mark as processed")
	}
}
