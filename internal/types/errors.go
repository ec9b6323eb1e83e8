package types

import (
	"errors"
	"fmt"
)

// ErrCancelled marks work dropped by a clear, an image change, or shutdown.
var ErrCancelled = errors.New("cancelled")

// ValidationError rejects malformed input before it reaches the worker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateError is returned when a box or job no longer exists, usually because
// the image changed while a request was in flight.
type StateError struct {
	What string
	ID   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s no longer exists", e.What, e.ID)
}

// TransportError wraps a failure to reach the submission API at all.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("submission API unreachable (%s): %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsState reports whether err is, or wraps, a StateError.
func IsState(err error) bool {
	var s *StateError
	return errors.As(err, &s)
}
