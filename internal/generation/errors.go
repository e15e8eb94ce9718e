package generation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrIllegalTransition is returned by the store when an update would move
	// a job along an edge that does not exist.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// PanicError carries a value recovered from a panicking adapter.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("adapter panic: %v", e.Value)
}
