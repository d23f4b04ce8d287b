package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/drivers/memory"
	"github.com/our-edu/go-queue-harness/internal/progress"
	"github.com/our-edu/go-queue-harness/internal/retry"
)

// streamBackend pushes whatever the test writes to its channels. The
// first failures calls to Deliveries fail like a refused connection.
type streamBackend struct {
	*memory.Backend

	mu       sync.Mutex
	failures int
	calls    int
	channels []chan contracts.RawMessage
	acked    []string
	requeued map[string]bool
}

func newStreamBackend(failures int, queues ...string) *streamBackend {
	return &streamBackend{
		Backend:  memory.NewBackend(memory.WithQueues(queues...)),
		failures: failures,
		requeued: make(map[string]bool),
	}
}

var _ contracts.StreamingBackend = (*streamBackend)(nil)

func (f *streamBackend) Deliveries(ctx context.Context, address string) (<-chan contracts.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, contracts.NewFatalPipelineError(contracts.StageConnect, address, errors.New("connection refused"))
	}
	ch := make(chan contracts.RawMessage, 10)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *streamBackend) Acknowledge(ctx context.Context, address string, msg contracts.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msg.ID)
	return nil
}

func (f *streamBackend) Reject(ctx context.Context, address string, msg contracts.RawMessage, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued[msg.ID] = requeue
	return nil
}

func (f *streamBackend) channel(i int) chan contracts.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.channels) {
		return nil
	}
	return f.channels[i]
}

func (f *streamBackend) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *streamBackend) settled() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked), len(f.requeued)
}

func fastRetry(maxRetries int) retry.Policy {
	return retry.Policy{MaxRetries: maxRetries, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Factor: 2}
}

func TestRunStreaming_ProcessesDeliveries(t *testing.T) {
	f := newStreamBackend(2, "jobs")
	rec := &recorder{}
	proc := &countingProcessor{result: contracts.Success()}
	s := New(f, proc, Config{Queues: []string{"jobs"}, Retry: fastRetry(0)}, WithReporter(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.channelCount() == 1 }, time.Second, time.Millisecond)
	ch := f.channel(0)
	ch <- contracts.RawMessage{ID: "good", Body: []byte(`{"a":1}`), Queue: "jobs"}
	ch <- contracts.RawMessage{ID: "bad", Body: []byte(`nope`), Queue: "jobs"}

	require.Eventually(t, func() bool {
		acked, rejected := f.settled()
		return acked == 1 && rejected == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"good"}, f.acked)
	assert.True(t, f.requeued["bad"])
	assert.Equal(t, 1, s.Processed("jobs"))
	assert.Equal(t, 2, rec.count("jobs", progress.StateReconnect))
	assert.Equal(t, 1, rec.count("jobs", progress.StateWaiting))
}

func TestRunStreaming_DeleteBadDropsMessage(t *testing.T) {
	f := newStreamBackend(0, "jobs")
	s := New(f, &countingProcessor{result: contracts.Failure(errors.New("bad"))}, Config{Queues: []string{"jobs"}, DeleteBad: true, Retry: fastRetry(0)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.channelCount() == 1 }, time.Second, time.Millisecond)
	f.channel(0) <- contracts.RawMessage{ID: "m1", Body: []byte(`{}`)}

	require.Eventually(t, func() bool {
		_, rejected := f.settled()
		return rejected == 1
	}, time.Second, time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.False(t, f.requeued["m1"])
}

func TestRunStreaming_ReconnectsWhenChannelCloses(t *testing.T) {
	f := newStreamBackend(0, "jobs")
	rec := &recorder{}
	s := New(f, &countingProcessor{result: contracts.Success()}, Config{Queues: []string{"jobs"}, Retry: fastRetry(0)}, WithReporter(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.channelCount() == 1 }, time.Second, time.Millisecond)
	close(f.channel(0))

	require.Eventually(t, func() bool { return f.channelCount() == 2 }, time.Second, time.Millisecond)
	f.channel(1) <- contracts.RawMessage{ID: "after", Body: []byte(`{}`)}
	require.Eventually(t, func() bool {
		acked, _ := f.settled()
		return acked == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	e, ok := rec.first(progress.StateReconnect)
	require.True(t, ok)
	assert.True(t, contracts.IsFatalPipelineError(e.Err))
	assert.ErrorIs(t, e.Err, ErrPipelineClosed)
}

func TestRunStreaming_GivesUpAfterMaxRetries(t *testing.T) {
	f := newStreamBackend(100, "jobs")
	s := New(f, &countingProcessor{}, Config{Queues: []string{"jobs"}, Retry: fastRetry(2)})

	err := s.Run(context.Background())

	assert.True(t, contracts.IsFatalPipelineError(err))
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 3, f.calls)
}

func TestRunStreaming_SurfacedErrorStops(t *testing.T) {
	f := newStreamBackend(0, "jobs")
	s := New(f, &countingProcessor{result: contracts.Failure(contracts.Surface(errors.New("halt")))}, Config{Queues: []string{"jobs"}, Retry: fastRetry(0)})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return f.channelCount() == 1 }, time.Second, time.Millisecond)
	f.channel(0) <- contracts.RawMessage{ID: "m1", Body: []byte(`{}`)}

	select {
	case err := <-done:
		assert.True(t, contracts.IsSurfacedError(err))
	case <-time.After(time.Second):
		t.Fatal("expected Run to stop")
	}
}

func TestRunStreaming_ProcessesOneAtATime(t *testing.T) {
	f := newStreamBackend(0, "a", "b")

	var mu sync.Mutex
	active, peak := 0, 0
	proc := contracts.ProcessorFunc(func(context.Context, map[string]any, contracts.RawMessage) contracts.Result {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return contracts.Success()
	})
	s := New(f, proc, Config{Queues: []string{"a", "b"}, Retry: fastRetry(0)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.channelCount() == 2 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		f.channel(0) <- contracts.RawMessage{ID: "x", Body: []byte(`{}`)}
		f.channel(1) <- contracts.RawMessage{ID: "y", Body: []byte(`{}`)}
	}
	require.Eventually(t, func() bool { return s.TotalProcessed() == 10 }, 2*time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 1, peak)
}
