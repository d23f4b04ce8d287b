package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestWriterReporter_Lines(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		verbose  bool
		expected string
	}{
		{"initiating", Event{Queue: "orders", Backend: "sqs", State: StateInitiating}, false, "sqs Queue 'orders': initiating\n"},
		{"pending", Event{Queue: "orders", State: StatePending}, false, "Queue 'orders': pending\n"},
		{"resolved", Event{Queue: "orders", State: StateResolved}, false, "Queue 'orders': resolved!\n"},
		{"rejected", Event{Queue: "orders", State: StateRejected, Err: errors.New("timeout")}, false, "Queue 'orders': rejected! timeout\n"},
		{"processed", Event{Queue: "orders", State: StateProcessed, Count: 5}, false, "Queue 'orders': 5 messages processed\n"},
		{"failed with stack", Event{Queue: "orders", State: StateFailed, Err: errors.New("boom"), Stack: []byte("goroutine 1")}, false, "Queue 'orders': Error! boom\ngoroutine 1\n"},
		{"dropped quiet", Event{Queue: "orders", State: StateDropped}, false, ""},
		{"dropped verbose", Event{Queue: "orders", State: StateDropped}, true, "(dropping message)\n"},
		{"requeued verbose", Event{Queue: "orders", State: StateRequeued}, true, "(requeuing message)\n"},
		{"waiting", Event{Queue: "jobs", State: StateWaiting}, false, " [*] Waiting for messages on jobs. To exit press CTRL+C\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewWriterReporter(&buf, tt.verbose).Report(tt.event)

			if buf.String() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, buf.String())
			}
		})
	}
}

func TestWriterReporter_Concurrent(t *testing.T) {
	var buf bytes.Buffer
	r := NewWriterReporter(&buf, false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Report(Event{Queue: "orders", State: StateResolved})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 50 {
		t.Errorf("expected 50 lines, got %d", len(lines))
	}
}

func TestLogReporter_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	NewLogReporter(logger).Report(Event{Queue: "orders", Backend: "sqs", State: StateProcessed, Count: 3})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if entry["queue"] != "orders" {
		t.Errorf("expected queue 'orders', got %v", entry["queue"])
	}
	if entry["processed"] != float64(3) {
		t.Errorf("expected processed 3, got %v", entry["processed"])
	}
	if entry["level"] != "info" {
		t.Errorf("expected info level, got %v", entry["level"])
	}
}

func TestLogReporter_FailureLevel(t *testing.T) {
	var buf bytes.Buffer
	NewLogReporter(zerolog.New(&buf)).Report(Event{Queue: "orders", State: StateFailed, Err: errors.New("boom")})

	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("unexpected log line %q", buf.String())
	}
}

func TestMulti(t *testing.T) {
	var got []State
	var mu sync.Mutex
	rec := ReporterFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.State)
	})

	Multi{rec, rec, Nop}.Report(Event{State: StatePending})

	if len(got) != 2 {
		t.Errorf("expected 2 deliveries, got %d", len(got))
	}
}
