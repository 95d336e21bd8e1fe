package mlc

import (
	"errors"
	"fmt"
)

// Phase sentinels. Every error handed to an install callback matches exactly
// one of them with errors.Is.
var (
	// ErrEnumeration means the source tree could not be read. Nothing was touched.
	ErrEnumeration = errors.New("enumeration failed")

	// ErrPreflight means the pre-install checks failed. Nothing was touched.
	ErrPreflight = errors.New("preflight failed")

	// ErrSwap means the previous install could not be moved to the backup slot.
	ErrSwap = errors.New("backup swap failed")

	// ErrCopy means streaming the package failed. A rollback was scheduled.
	ErrCopy = errors.New("copy failed")

	// ErrRollback means restoring the previous install failed. It is logged and
	// journaled, never reported to an install callback.
	ErrRollback = errors.New("rollback failed")
)

// ErrBusy is returned by callers that need an error when a driver refused
// to start because another operation of the same kind is in flight.
var ErrBusy = errors.New("another operation is in progress")

// ErrInsufficientSpace is wrapped by preflight errors when the target volume
// has less free space than the package needs.
var ErrInsufficientSpace = errors.New("insufficient free space")

// ErrSubtreeMissing is wrapped by enumeration errors when the source lacks one
// of the required top-level subtrees.
var ErrSubtreeMissing = errors.New("required subtree missing")

// PhaseError attaches the failing phase to an underlying cause.
type PhaseError struct {
	Phase error
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%v: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() []error {
	return []error{e.Phase, e.Err}
}

func phaseError(phase, err error) error {
	return &PhaseError{Phase: phase, Err: err}
}
