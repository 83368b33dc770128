package common

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
)

// Sentinel errors shared across the package.
var (
	// ErrExecutionContextDestroyed is the canonical error every remote
	// failure caused by a destroyed, missing or navigated-away context is
	// rewritten to before it reaches an evaluate caller.
	ErrExecutionContextDestroyed = errors.New(
		"execution context was destroyed, most likely because of a navigation")

	// ErrContextAcquisitionFailed signals that no strategy produced a
	// usable execution context id. It is not retriable.
	ErrContextAcquisitionFailed = errors.New(
		"could not acquire an execution context id for the target")

	// ErrWorkerNotIsolated is returned when the always-isolated strategy
	// is asked to acquire a context for a worker realm.
	ErrWorkerNotIsolated = errors.New(
		"workers are not supported with the always-isolated acquisition mode")

	ErrWrongExecutionContext = errors.New(
		"JS handles can be evaluated only in the context they were created")
	ErrJSHandleDisposed = errors.New("JS handle is disposed")
	ErrJSHandleInvalid  = errors.New("JS handle is invalid")

	ErrTargetCrashed = errors.New("target crashed")
	ErrChannelClosed = errors.New("channel closed")
	ErrSessionClosed = errors.New("session closed")
	ErrTimedOut      = errors.New("timed out")
)

// BigIntParseError occurs when a big integer cannot be parsed from the
// remote object value.
type BigIntParseError struct {
	error
}

// Error returns the reason of the failure, including the wrapped error
// message.
func (e BigIntParseError) Error() string {
	return fmt.Sprintf("parsing bigint: %s", e.error)
}

// Is matches any other BigIntParseError.
func (e BigIntParseError) Is(target error) bool {
	_, ok := target.(BigIntParseError)
	return ok
}

// Unwrap returns the wrapped parsing error.
func (e BigIntParseError) Unwrap() error {
	return e.error
}

// UnserializableValueError occurs when an unserializable value is found in
// a remote object and it is none of the recognized literals.
type UnserializableValueError struct {
	UnserializableValue runtime.UnserializableValue
}

// Error returns the description of the unserializable value error.
func (e UnserializableValueError) Error() string {
	return fmt.Sprintf("unserializable value: %q", e.UnserializableValue)
}
