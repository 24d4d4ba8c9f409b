package event

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the bus and registry.
var (
	// ErrBusClosed is returned when publishing or subscribing on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrTooManySubscribers is returned when the subscriber limit is reached.
	ErrTooManySubscribers = errors.New("subscriber limit reached")

	// ErrUnknownEventType is returned for events without a registered schema.
	ErrUnknownEventType = errors.New("unknown event type")
)

// EventError represents an error during event processing.
type EventError struct {
	Event     Event     // The event that failed
	Handler   string    // Handler that failed (if known)
	Message   string    // Error message
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// Error implements error interface.
func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", e.Event.ID(), e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", e.Event.ID(), e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}
