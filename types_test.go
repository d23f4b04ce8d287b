package queueharness

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Run("QueueNameFromContext", func(t *testing.T) {
		ctx := context.Background()

		// Empty context should return empty string
		if got := QueueNameFromContext(ctx); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}

		ctx = context.WithValue(ctx, ContextKeyQueueName, "orders")
		if got := QueueNameFromContext(ctx); got != "orders" {
			t.Errorf("expected 'orders', got %q", got)
		}
	})

	t.Run("MessageIDFromContext", func(t *testing.T) {
		ctx := context.Background()

		if got := MessageIDFromContext(ctx); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}

		ctx = context.WithValue(ctx, ContextKeyMessageID, "msg-123")
		if got := MessageIDFromContext(ctx); got != "msg-123" {
			t.Errorf("expected 'msg-123', got %q", got)
		}
	})

	t.Run("BackendFromContext", func(t *testing.T) {
		ctx := context.Background()

		if got := BackendFromContext(ctx); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}

		ctx = context.WithValue(ctx, ContextKeyBackend, "rabbitmq")
		if got := BackendFromContext(ctx); got != "rabbitmq" {
			t.Errorf("expected 'rabbitmq', got %q", got)
		}
	})

	t.Run("WrongTypeIgnored", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), ContextKeyMessageID, 42)
		if got := MessageIDFromContext(ctx); got != "" {
			t.Errorf("expected empty string for non-string value, got %q", got)
		}
	})
}

func TestResultHelpers(t *testing.T) {
	if r := Success(); !r.OK || r.Err != nil {
		t.Errorf("expected successful result, got %+v", r)
	}

	cause := errors.New("boom")
	r := Failure(cause)
	if r.OK {
		t.Error("expected failed result")
	}
	if !errors.Is(r.Err, cause) {
		t.Errorf("expected cause to be kept, got %v", r.Err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"plain", errors.New("boom"), ErrorTypeUnknown},
		{"processing", NewProcessingError("bad payload", nil), ErrorTypeProcessing},
		{"surfaced", Surface(errors.New("stop")), ErrorTypeSurfaced},
		{"wrapped surfaced", fmt.Errorf("handler: %w", Surface(errors.New("stop"))), ErrorTypeSurfaced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	surfaced := Surface(errors.New("stop"))
	if !IsSurfacedError(surfaced) {
		t.Error("expected IsSurfacedError to be true")
	}
	if IsTransportError(surfaced) || IsNotFoundError(surfaced) || IsDecodeError(surfaced) {
		t.Error("expected surfaced error to match no other type")
	}

	perr := NewProcessingError("handler failed", errors.New("db down"))
	if !IsProcessingError(perr) {
		t.Error("expected IsProcessingError to be true")
	}
	if IsFatalPipelineError(perr) {
		t.Error("expected IsFatalPipelineError to be false")
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{ErrClientClosed, ErrRedisRequired, ErrRedisConnectionFailed, ErrNoProcessor, ErrDepthUnsupported, ErrNoQueues}
	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Errorf("expected %v and %v to be distinct", a, b)
			}
		}
	}
}
