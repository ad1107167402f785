// errors.go: error kinds for the binding surface.
//
// Two families of failure exist here. Programmer errors (use after
// destroy, concurrent evaluation, bad configuration values, unsupported
// host types) are reported as sentinel errors that callers can test
// with errors.Is. Engine errors (the Jsonnet compiler/runtime rejecting
// a template) carry the engine's diagnostic text verbatim in an
// *EvaluationError. Failures raised by host callbacks never cross the
// C boundary raw; the callback bridge converts them into engine-visible
// diagnostics, which then surface as *EvaluationError from Evaluate*.
package jsonnet

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted indicates the native VM could not be allocated.
	ErrResourceExhausted = errors.New("jsonnet: failed to allocate VM")

	// ErrAlreadyDestroyed indicates a VM was used after Destroy/Close.
	ErrAlreadyDestroyed = errors.New("jsonnet: VM has been destroyed")

	// ErrInvalidConfig indicates a configuration setter was given a value
	// outside its domain.
	ErrInvalidConfig = errors.New("jsonnet: invalid configuration")

	// ErrConcurrentUse indicates an operation was attempted while an
	// evaluation was in flight on the same VM. The native engine is not
	// re-entrant across evaluations on one VM, so this is always a
	// programmer error, never a transient condition.
	ErrConcurrentUse = errors.New("jsonnet: VM is busy with another evaluation")

	// ErrUnsupportedType indicates a Go value outside the JSON data model
	// was passed to the value codec.
	ErrUnsupportedType = errors.New("jsonnet: unsupported value type")

	// ErrEncoding indicates host text could not be represented as an
	// engine string (engine strings are NUL-terminated UTF-8).
	ErrEncoding = errors.New("jsonnet: cannot encode string for engine")

	// ErrDecoding indicates an engine buffer or value could not be
	// converted back into a host value.
	ErrDecoding = errors.New("jsonnet: cannot decode engine value")
)

// EvaluationError is returned by the evaluate calls when the engine
// reports failure. Msg holds the engine's diagnostic text (compile or
// runtime error, stack trace included) with the trailing newline
// removed.
type EvaluationError struct {
	Msg string
}

func (e *EvaluationError) Error() string { return e.Msg }

// CallbackError records a failure raised by a host-supplied import
// resolver or native function. It is what the callback bridge encodes
// into the diagnostic handed to the engine, so its text ends up inside
// the EvaluationError seen by the caller of Evaluate*.
type CallbackError struct {
	Name string // callback name, or "import" for the import resolver
	Err  error
}

func (e *CallbackError) Error() string { return fmt.Sprintf("%s: %s", e.Name, e.Err) }

func (e *CallbackError) Unwrap() error { return e.Err }
