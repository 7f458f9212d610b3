// Package exc centralizes the engine's fatal-vs-recoverable error boundary.
//
// Recoverable conditions (UsageError, BackendError) are returned as plain
// errors. Fatalf logs and panics via exceptions.Panicf; its one caller is
// the engine's shutdown, on a bookkeeping invariant found broken there.
// An allocation failure is returned as an error by pool.Alloc and by its
// callers, and a kernel unload error during teardown is only logged; neither
// goes through Fatalf. Recover turns a Fatalf panic back into an error.
package exc

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind classifies an engine error.
type Kind int

const (
	// Usage covers missing active stream, shape mismatch, invalid device id,
	// operations on a destroyed id, CSE key corruption.
	Usage Kind = iota
	// Backend covers a driver call failure (recoverable unless during teardown).
	Backend
	// Alloc classifies an allocation failure; no Error of this kind is
	// constructed in this module, allocation errors are returned as-is.
	Alloc
	// Leak is reported, not raised as an error; see the leak report in
	// engine.Shutdown.
	Leak
)

// Error is a recoverable engine error tagged with its Kind.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Usagef builds a recoverable UsageError.
func Usagef(format string, args ...any) error {
	return &Error{Kind: Usage, err: errors.Errorf(format, args...)}
}

// Backendf builds a recoverable BackendError.
func Backendf(format string, args ...any) error {
	return &Error{Kind: Backend, err: errors.Errorf(format, args...)}
}

// Fatalf logs and aborts the process. Used for bookkeeping corruption
// detected at shutdown.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	exceptions.Panicf("%s", msg)
}

// Recover runs fn and converts a Fatalf-raised panic back into an error, for
// call sites (tests, the CLI smoke binary) that want to observe the failure
// instead of crashing the process.
func Recover(fn func()) (err error) {
	return exceptions.TryCatch[error](fn)
}
