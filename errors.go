package main

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSize          = errors.New("invalid size")
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrNotFatFilesystem     = errors.New("not a FAT16/FAT32 filesystem")
	ErrPartitionBusy        = errors.New("partition busy")
	ErrInfeasibleConstraint = errors.New("infeasible constraint")
	ErrUserCancelled        = errors.New("cancelled")
	ErrCollaboratorFailure  = errors.New("disk services failure")
)

// resizeError tags a failure with one of the sentinel kinds above while keeping
// the underlying cause reachable through errors.Is / errors.As.
type resizeError struct {
	kind  error
	cause error
	msg   string
}

func (e *resizeError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *resizeError) Is(target error) bool {
	return target == e.kind
}

func (e *resizeError) Unwrap() error {
	return e.cause
}

// failure builds a resizeError. A cause that already carries a more specific
// kind keeps it, so a cancellation deep inside a collaborator still reports as
// ErrUserCancelled.
func failure(kind error, cause error, format string, args ...interface{}) error {
	if cause != nil && kind == ErrCollaboratorFailure {
		for _, specific := range []error{ErrUserCancelled, ErrInfeasibleConstraint, ErrDeviceUnavailable, ErrPartitionBusy, ErrNotFatFilesystem} {
			if errors.Is(cause, specific) {
				kind = specific
				break
			}
		}
	}
	return &resizeError{kind: kind, cause: cause, msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
