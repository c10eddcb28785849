package mixbus

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a frame violates its shape invariant.
// It is the only error class that terminates the worker which observes it.
var ErrMalformedFrame = errors.New("malformed frame")

// SinkError wraps a sink write failure with the failing sink's id.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

// Unwrap returns the underlying write error.
func (e *SinkError) Unwrap() error {
	return e.Err
}
