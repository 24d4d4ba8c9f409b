package errors

import (
	"fmt"
	"time"
)

// TransportError represents a failure talking to the message broker.
type TransportError struct {
	// Op is the broker operation ("publish", "consume", "dial", ...).
	Op string

	// Target is the exchange or queue involved, when known.
	Target string

	// Temporary reports whether the failure is expected to clear
	// (connection loss, channel churn) as opposed to a protocol or
	// configuration fault.
	Temporary bool

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError indicates a message or payload could not be decoded.
type DecodeError struct {
	// What names the thing being decoded ("envelope", "payload", "reply").
	What string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ValidationError indicates an event failed schema validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// EscalationError indicates a task could not be recovered automatically
// and needs operator attention.
type EscalationError struct {
	TaskID   string
	Reason   string
	Attempts int
	Original error
}

// Error implements the error interface.
func (e *EscalationError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("task %s escalated after %d attempts: %s", e.TaskID, e.Attempts, e.Reason)
	}
	return fmt.Sprintf("task %s escalated: %s", e.TaskID, e.Reason)
}

// Unwrap returns the original error.
func (e *EscalationError) Unwrap() error {
	return e.Original
}
