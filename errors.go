package neon

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrObjectRemoved is returned from a blocking operation when the object
	// being waited on was terminated while the caller was blocked.
	ErrObjectRemoved = errors.New(`neon: object removed`)

	// ErrTimeout is returned from a timed wait that expired before the
	// object was signaled.
	ErrTimeout = errors.New(`neon: wait timed out`)

	// ErrKernelRunning is returned when Run is called on a kernel that has
	// already been started.
	ErrKernelRunning = errors.New(`neon: kernel is already running`)

	// ErrKernelTerminated is returned when operations are attempted on a
	// kernel that has been shut down.
	ErrKernelTerminated = errors.New(`neon: kernel has been terminated`)
)

// AssertError describes a failed kernel contract or invariant check. It is
// passed to the assert hook, and is the panic value when no hook is
// installed (or when the hook returns).
type AssertError struct {
	// Module is the name of the module that detected the failure.
	Module string
	// Function is the API or internal function that detected the failure.
	Function string
	// Expression is the condition that did not hold.
	Expression string
}

// Error implements the error interface.
func (e *AssertError) Error() string {
	return fmt.Sprintf(`neon: assertion failed: %s.%s: %s`, e.Module, e.Function, e.Expression)
}
