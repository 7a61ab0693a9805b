// Copyright 2025 James Ross
package model

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy of spec.md §7. It is deliberately small and
// closed so the HTTP layer can map it to a status code with a single switch.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindQueueNotFound   Kind = "QUEUE_NOT_FOUND"
	KindLockLost        Kind = "LOCK_LOST"
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindAlreadyExists   Kind = "ALREADY_EXISTS"
	KindConflict        Kind = "CONFLICT"
	KindStoreTransient  Kind = "STORE_TRANSIENT"
	KindStoreFailure    Kind = "STORE_FAILURE"
	KindCancelled       Kind = "CANCELLED"
)

// Error wraps an error with its taxonomy Kind. Components return it by
// value (via a pointer) so callers can inspect Kind without sentinel
// comparisons, per spec.md §7's propagation policy.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a taxonomy error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind of err, defaulting to KindStoreFailure for errors
// that were never classified (an unclassified error escaping a component is
// a bug, but the HTTP layer still needs a status code for it).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreFailure
}

// Is allows errors.Is(err, model.LockLost("")) style checks: a target that
// is an *Error matches when its Kind equals this error's Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Sentinel constructors for the common cases, matching spec.md §7's named
// kinds one-to-one.
func NotFound(msg string) *Error        { return NewError(KindNotFound, msg, nil) }
func QueueNotFound(msg string) *Error   { return NewError(KindQueueNotFound, msg, nil) }
func LockLost(msg string) *Error        { return NewError(KindLockLost, msg, nil) }
func InvalidArgument(msg string) *Error { return NewError(KindInvalidArgument, msg, nil) }
func AlreadyExists(msg string) *Error   { return NewError(KindAlreadyExists, msg, nil) }
func Conflict(msg string) *Error        { return NewError(KindConflict, msg, nil) }
func Cancelled(msg string) *Error       { return NewError(KindCancelled, msg, nil) }
func StoreTransient(msg string, cause error) *Error {
	return NewError(KindStoreTransient, msg, cause)
}
func StoreFailure(msg string, cause error) *Error {
	return NewError(KindStoreFailure, msg, cause)
}
