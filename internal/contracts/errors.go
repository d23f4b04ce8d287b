package contracts

import (
	"errors"
)

// ErrorType represents the classification of an error
type ErrorType int

const (
	// ErrorTypeUnknown is an unclassified error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeTransport is a network/auth failure, retried next cycle
	ErrorTypeTransport
	// ErrorTypeNotFound is a queue resolution failure, fatal at startup
	ErrorTypeNotFound
	// ErrorTypeDecode is a malformed message body
	ErrorTypeDecode
	// ErrorTypeProcessing is a processor-level business failure
	ErrorTypeProcessing
	// ErrorTypeFatalPipeline is a broker connection/channel/declare failure
	ErrorTypeFatalPipeline
	// ErrorTypeSurfaced is a processor failure that must stop the run
	ErrorTypeSurfaced
)

// String returns the lowercase name used in logs and metric labels
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransport:
		return "transport"
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeDecode:
		return "decode"
	case ErrorTypeProcessing:
		return "processing"
	case ErrorTypeFatalPipeline:
		return "fatal_pipeline"
	case ErrorTypeSurfaced:
		return "surfaced"
	default:
		return "unknown"
	}
}

// TransportError represents a network or authentication failure talking to a backend.
// The scheduler logs it and retries on the next cycle.
type TransportError struct {
	Op    string
	Queue string
	Cause error
}

func (e *TransportError) Error() string {
	msg := "transport error"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Queue != "" {
		msg += " on queue " + e.Queue
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NotFoundError is returned when a queue cannot be resolved.
type NotFoundError struct {
	Queue string
	Cause error
}

func (e *NotFoundError) Error() string {
	if e.Cause != nil {
		return "queue not found: " + e.Queue + ": " + e.Cause.Error()
	}
	return "queue not found: " + e.Queue
}

func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

// DecodeError represents a malformed message body.
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// ProcessingError represents a processor-level failure. Stack holds the
// goroutine stack when the failure was a recovered panic.
type ProcessingError struct {
	Message string
	Cause   error
	Stack   []byte
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// FatalPipelineError is a failure at one stage of the broker consumption pipeline.
type FatalPipelineError struct {
	Stage string
	Queue string
	Cause error
}

func (e *FatalPipelineError) Error() string {
	msg := "broker pipeline failed at " + e.Stage
	if e.Queue != "" {
		msg += " for queue " + e.Queue
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *FatalPipelineError) Unwrap() error {
	return e.Cause
}

// SurfacedError wraps a processor error that must stop the scheduler instead
// of being folded into the failure policy.
type SurfacedError struct {
	Cause error
}

func (e *SurfacedError) Error() string {
	if e.Cause == nil {
		return "surfaced processor error"
	}
	return "surfaced processor error: " + e.Cause.Error()
}

func (e *SurfacedError) Unwrap() error {
	return e.Cause
}

// Pipeline stages
const (
	StageConnect = "connect"
	StageChannel = "channel"
	StageQos     = "qos"
	StageDeclare = "declare"
	StageConsume = "consume"
)

// NewTransportError creates a new transport error
func NewTransportError(op, queue string, cause error) *TransportError {
	return &TransportError{Op: op, Queue: queue, Cause: cause}
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(queue string, cause error) *NotFoundError {
	return &NotFoundError{Queue: queue, Cause: cause}
}

// NewDecodeError creates a new decode error
func NewDecodeError(msg string, cause error) *DecodeError {
	return &DecodeError{Message: msg, Cause: cause}
}

// NewProcessingError creates a new processing error
func NewProcessingError(msg string, cause error) *ProcessingError {
	return &ProcessingError{Message: msg, Cause: cause}
}

// NewFatalPipelineError creates a new pipeline error
func NewFatalPipelineError(stage, queue string, cause error) *FatalPipelineError {
	return &FatalPipelineError{Stage: stage, Queue: queue, Cause: cause}
}

// Surface marks err so that the scheduler stops and returns it.
func Surface(err error) error {
	if err == nil {
		return nil
	}
	return &SurfacedError{Cause: err}
}

// IsTransportError checks if an error is a transport error.
func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// IsNotFoundError checks if an error is a not-found error.
func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsDecodeError checks if an error is a decode error.
func IsDecodeError(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// IsProcessingError checks if an error is a processing error.
func IsProcessingError(err error) bool {
	var e *ProcessingError
	return errors.As(err, &e)
}

// IsFatalPipelineError checks if an error is a broker pipeline error.
func IsFatalPipelineError(err error) bool {
	var e *FatalPipelineError
	return errors.As(err, &e)
}

// IsSurfacedError checks if an error was surfaced by a processor.
func IsSurfacedError(err error) bool {
	var e *SurfacedError
	return errors.As(err, &e)
}

// Classify returns the error type for the given error. Surfaced wins over
// whatever it wraps.
func Classify(err error) ErrorType {
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case IsSurfacedError(err):
		return ErrorTypeSurfaced
	case IsNotFoundError(err):
		return ErrorTypeNotFound
	case IsFatalPipelineError(err):
		return ErrorTypeFatalPipeline
	case IsTransportError(err):
		return ErrorTypeTransport
	case IsDecodeError(err):
		return ErrorTypeDecode
	case IsProcessingError(err):
		return ErrorTypeProcessing
	}
	return ErrorTypeUnknown
}
