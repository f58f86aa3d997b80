package types

import (
	"errors"
	"fmt"
)

var (
	// ErrPortExhausted is returned when no host port is free in the
	// configured range. The registry is left untouched.
	ErrPortExhausted = errors.New("no free host port in range")

	// ErrNotFound is returned for lookups of instances, catalog entries,
	// or sessions that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoRoute is returned by the resolver when no strategy produced an
	// active instance for an inbound request.
	ErrNoRoute = errors.New("no instance matches request")

	// ErrImageDisabled is returned when allocation is requested for a
	// catalog entry with Enabled=false.
	ErrImageDisabled = errors.New("desktop image is disabled")

	// ErrBackendUnavailable is returned by the relay once the startup
	// retry budget is exhausted.
	ErrBackendUnavailable = errors.New("backend did not become ready")
)

// CreationError wraps an engine failure during allocation. The registry row
// has already been rolled back when this is returned.
type CreationError struct {
	ContainerName string
	Err           error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create instance %s: %v", e.ContainerName, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }
