package scheduler

// PendingOperation is the handle on one queue's in-flight fetch. Its
// result fields are written by the fetch goroutine before Done is closed
// and must only be read after that.
type PendingOperation struct {
	queue     string
	done      chan struct{}
	err       error
	received  int
	processed int
}

func newPendingOperation(queue string) *PendingOperation {
	return &PendingOperation{
		queue: queue,
		done:  make(chan struct{}),
	}
}

// Queue returns the queue name the fetch was issued for
func (p *PendingOperation) Queue() string {
	return p.queue
}

// Done is closed once the fetch and the processing of its messages settled
func (p *PendingOperation) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether Done is closed
func (p *PendingOperation) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the fetch failure, or the surfaced processor error that
// stopped the batch. Nil until settled.
func (p *PendingOperation) Err() error {
	if !p.Settled() {
		return nil
	}
	return p.err
}

// Received returns the number of messages the fetch returned
func (p *PendingOperation) Received() int {
	if !p.Settled() {
		return 0
	}
	return p.received
}

// Processed returns the number of messages removed from the queue
func (p *PendingOperation) Processed() int {
	if !p.Settled() {
		return 0
	}
	return p.processed
}
