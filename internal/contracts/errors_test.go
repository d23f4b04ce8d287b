package contracts

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		expected ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"plain", cause, ErrorTypeUnknown},
		{"transport", NewTransportError("receive", "orders", cause), ErrorTypeTransport},
		{"not found", NewNotFoundError("orders", cause), ErrorTypeNotFound},
		{"decode", NewDecodeError("bad body", cause), ErrorTypeDecode},
		{"processing", NewProcessingError("failed", cause), ErrorTypeProcessing},
		{"pipeline", NewFatalPipelineError(StageDeclare, "orders", cause), ErrorTypeFatalPipeline},
		{"surfaced", Surface(cause), ErrorTypeSurfaced},
		{"surfaced wins", Surface(NewProcessingError("failed", cause)), ErrorTypeSurfaced},
		{"wrapped", fmt.Errorf("failed to fetch: %w", NewTransportError("receive", "orders", cause)), ErrorTypeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"transport", NewTransportError("receive", "orders", cause), "transport error during receive on queue orders: connection refused"},
		{"not found", NewNotFoundError("orders", nil), "queue not found: orders"},
		{"pipeline", NewFatalPipelineError(StageConnect, "orders", cause), "broker pipeline failed at connect for queue orders: connection refused"},
		{"surfaced", Surface(cause), "surfaced processor error: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, tt.err.Error())
			}
			if !errors.Is(tt.err, cause) && tt.name != "not found" {
				t.Error("expected cause to be reachable through Unwrap")
			}
		})
	}
}

func TestSurfaceNil(t *testing.T) {
	if Surface(nil) != nil {
		t.Error("expected Surface(nil) to be nil")
	}
}

func TestIsAddress(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"https://sqs.us-east-1.amazonaws.com/123/orders", true},
		{"http://localhost:4566/000000000000/orders", true},
		{"orders", false},
		{"my-https:queue", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAddress(tt.name); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestResultConstructors(t *testing.T) {
	if r := Success(); !r.OK || r.Err != nil {
		t.Errorf("unexpected success result %+v", r)
	}
	err := errors.New("nope")
	if r := Failure(err); r.OK || r.Err != err {
		t.Errorf("unexpected failure result %+v", r)
	}
}
