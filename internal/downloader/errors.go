package downloader

import (
	"errors"
	"fmt"
)

// ErrTargetMissing is the abort reason when a file's step finished without
// error but its target is in neither the destination nor the sandbox.
var ErrTargetMissing = errors.New("expected output absent after fetch")

// FetchAbortedError is returned when a batch was abandoned. The sandbox has
// been removed and the destination is unchanged.
type FetchAbortedError struct {
	Reason error
}

func (e *FetchAbortedError) Error() string {
	return fmt.Sprintf("fetching aborted: %v", e.Reason)
}

func (e *FetchAbortedError) Unwrap() error {
	return e.Reason
}

// ReadOnlyRepositoryError means files are missing but the destination cannot be written.
type ReadOnlyRepositoryError struct {
	Dir string
	Err error
}

func (e *ReadOnlyRepositoryError) Error() string {
	return fmt.Sprintf("dataset files are missing but repository %s is read-only", e.Dir)
}

func (e *ReadOnlyRepositoryError) Unwrap() error {
	return e.Err
}

// InvalidSpecError rejects a FileSpec before any I/O happens.
type InvalidSpecError struct {
	Name   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid file spec %q: %s", e.Name, e.Reason)
}
