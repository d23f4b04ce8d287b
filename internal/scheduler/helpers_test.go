package scheduler

import (
	"context"
	"sync"

	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/internal/drivers/memory"
	"github.com/our-edu/go-queue-harness/internal/progress"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Report(e progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(queue string, state progress.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Queue == queue && e.State == state {
			n++
		}
	}
	return n
}

func (r *recorder) first(state progress.State) (progress.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.State == state {
			return e, true
		}
	}
	return progress.Event{}, false
}

// gatedBackend counts receives per queue and can hold a queue's receive
// until its gate is closed. The gate ignores cancellation.
type gatedBackend struct {
	*memory.Backend

	mu        sync.Mutex
	gates     map[string]chan struct{}
	errs      map[string]error
	receives  map[string]int
	active    map[string]int
	maxActive map[string]int
}

func newGatedBackend(queues ...string) *gatedBackend {
	return &gatedBackend{
		Backend:   memory.NewBackend(memory.WithQueues(queues...)),
		gates:     make(map[string]chan struct{}),
		errs:      make(map[string]error),
		receives:  make(map[string]int),
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func (g *gatedBackend) Receive(ctx context.Context, address string, maxMessages, waitSeconds int) ([]contracts.RawMessage, error) {
	g.mu.Lock()
	g.receives[address]++
	g.active[address]++
	g.maxActive[address] = max(g.maxActive[address], g.active[address])
	gate := g.gates[address]
	err := g.errs[address]
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active[address]--
		g.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return g.Backend.Receive(ctx, address, maxMessages, waitSeconds)
}

func (g *gatedBackend) receiveCount(queue string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.receives[queue]
}

func (g *gatedBackend) maxConcurrent(queue string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive[queue]
}

// countingProcessor records calls and returns result
type countingProcessor struct {
	mu     sync.Mutex
	calls  int
	bodies []map[string]any
	result contracts.Result
}

func (p *countingProcessor) Process(ctx context.Context, body map[string]any, msg contracts.RawMessage) contracts.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.bodies = append(p.bodies, body)
	return p.result
}

func (p *countingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
