// Package progress reports scheduler state transitions to an output sink.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// State is a per-queue scheduler transition
type State string

const (
	StateInitiating State = "initiating"
	StatePending    State = "pending"
	StateResolved   State = "resolved"
	StateRejected   State = "rejected"
	StateProcessed  State = "processed"
	StateFailed     State = "failed"
	StateDropped    State = "dropped"
	StateRequeued   State = "requeued"
	StateWaiting    State = "waiting"
	StateReconnect  State = "reconnecting"
)

// Event describes one transition
type Event struct {
	Queue   string
	Backend string
	State   State
	// Count is the number of messages processed in the settled fetch
	Count     int
	MessageID string
	Err       error
	// Stack is set when a processor panicked
	Stack []byte
}

// Reporter receives scheduler events. Implementations must be safe for
// concurrent use; polling fetches report from their own goroutines.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(Event)

// Report calls f(e)
func (f ReporterFunc) Report(e Event) { f(e) }

// Nop discards every event
var Nop Reporter = ReporterFunc(func(Event) {})

// LogReporter writes events as structured zerolog entries
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a reporter on logger
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the event at a level matching its state
func (r *LogReporter) Report(e Event) {
	var ev *zerolog.Event
	switch e.State {
	case StateRejected, StateFailed:
		ev = r.logger.Error()
	case StateReconnect:
		ev = r.logger.Warn()
	case StatePending, StateDropped, StateRequeued:
		ev = r.logger.Debug()
	default:
		ev = r.logger.Info()
	}

	ev = ev.Str("queue", e.Queue).Str("state", string(e.State))
	if e.Backend != "" {
		ev = ev.Str("backend", e.Backend)
	}
	if e.State == StateProcessed {
		ev = ev.Int("processed", e.Count)
	}
	if e.MessageID != "" {
		ev = ev.Str("message_id", e.MessageID)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	if len(e.Stack) > 0 {
		ev = ev.Bytes("stack", e.Stack)
	}
	ev.Msg("Queue " + string(e.State))
}

// WriterReporter prints one human-readable line per event
type WriterReporter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewWriterReporter creates a line reporter. Per-message drop and requeue
// lines are only printed when verbose is set.
func NewWriterReporter(w io.Writer, verbose bool) *WriterReporter {
	return &WriterReporter{w: w, verbose: verbose}
}

// Report prints the line for e
func (r *WriterReporter) Report(e Event) {
	line, ok := r.format(e)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, line)
}

func (r *WriterReporter) format(e Event) (string, bool) {
	switch e.State {
	case StateInitiating:
		return fmt.Sprintf("%s Queue '%s': initiating", e.Backend, e.Queue), true
	case StatePending:
		return fmt.Sprintf("Queue '%s': pending", e.Queue), true
	case StateResolved:
		return fmt.Sprintf("Queue '%s': resolved!", e.Queue), true
	case StateRejected:
		return fmt.Sprintf("Queue '%s': rejected! %v", e.Queue, e.Err), true
	case StateProcessed:
		return fmt.Sprintf("Queue '%s': %d messages processed", e.Queue, e.Count), true
	case StateFailed:
		line := fmt.Sprintf("Queue '%s': Error! %v", e.Queue, e.Err)
		if len(e.Stack) > 0 {
			line += "\n" + string(e.Stack)
		}
		return line, true
	case StateDropped:
		return "(dropping message)", r.verbose
	case StateRequeued:
		return "(requeuing message)", r.verbose
	case StateWaiting:
		return fmt.Sprintf(" [*] Waiting for messages on %s. To exit press CTRL+C", e.Queue), true
	case StateReconnect:
		return fmt.Sprintf("Queue '%s': reconnecting after %v", e.Queue, e.Err), true
	}
	return "", false
}

// Multi fans events out to several reporters
type Multi []Reporter

// Report forwards e to every reporter
func (m Multi) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}

var (
	_ Reporter = (*LogReporter)(nil)
	_ Reporter = (*WriterReporter)(nil)
	_ Reporter = Multi(nil)
)
