package asyncctx

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrTimerNotFound is returned by reactor cancellation and ref/unref
	// operations when the handle id is unknown or has already fired.
	ErrTimerNotFound = errors.New("asyncctx: timer not found")

	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("asyncctx: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("asyncctx: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("asyncctx: cannot call Run() from within the loop")
)

// IllegalInvocationError indicates a facade entry point was invoked on an
// invalid receiver, mirroring the "Illegal invocation" TypeError thrown by
// web timer APIs when detached from their global.
type IllegalInvocationError struct {
	Op string
}

// Error implements the error interface.
func (e *IllegalInvocationError) Error() string {
	if e.Op == "" {
		return "asyncctx: illegal invocation"
	}
	return fmt.Sprintf("asyncctx: illegal invocation: %s called on an invalid receiver", e.Op)
}

// Is implements type-based matching so that
// errors.Is(err, &IllegalInvocationError{}) reports true for any
// IllegalInvocationError regardless of the recorded operation.
func (e *IllegalInvocationError) Is(target error) bool {
	var t *IllegalInvocationError
	return errors.As(target, &t)
}

// InvalidArgumentError indicates a non-callable value was passed where a
// function is required.
type InvalidArgumentError struct {
	Cause error
	Name  string
}

// Error implements the error interface.
func (e *InvalidArgumentError) Error() string {
	if e.Name == "" {
		return "asyncctx: invalid argument"
	}
	return fmt.Sprintf("asyncctx: invalid argument: %q must be callable", e.Name)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *InvalidArgumentError) Unwrap() error {
	return e.Cause
}

// Is implements type-based matching for InvalidArgumentError.
func (e *InvalidArgumentError) Is(target error) bool {
	var t *InvalidArgumentError
	return errors.As(target, &t)
}

// validateCallable fails with an InvalidArgumentError when fn is nil.
// Argument validation for function-typed parameters funnels through here so
// every entry point reports the same error kind.
func validateCallable(fn any, name string) error {
	if fn == nil {
		return &InvalidArgumentError{Name: name}
	}
	switch v := fn.(type) {
	case Callback:
		if v == nil {
			return &InvalidArgumentError{Name: name}
		}
	case func(args ...any):
		if v == nil {
			return &InvalidArgumentError{Name: name}
		}
	case func():
		if v == nil {
			return &InvalidArgumentError{Name: name}
		}
	}
	return nil
}
