package objstore

import (
	"errors"
	"fmt"

	"github.com/mnohosten/chainstate/pkg/clog"
)

// ErrorKind enumerates the error kinds surfaced by the cache core.
type ErrorKind int

const (
	// ObjectNotFound: ref absent and no newer version known. Retriable.
	ObjectNotFound ErrorKind = iota
	// ObjectVersionUnavailable: ref absent but a newer version exists. Not retriable.
	ObjectVersionUnavailable
	// LockConflict: a same-epoch conflicting transaction holds the lock. Not retriable.
	LockConflict
	// LockedAtFutureEpoch: lock epoch exceeds the caller's epoch. Indicates a
	// broken epoch-guard; surfaced defensively rather than silently ignored.
	LockedAtFutureEpoch
	// InvalidChildObjectAccess: parent-child ownership mismatch on a child read.
	InvalidChildObjectAccess
	// MoveObjectAsPackage: a package read returned a non-package object.
	MoveObjectAsPackage
)

func (k ErrorKind) String() string {
	switch k {
	case ObjectNotFound:
		return "ObjectNotFound"
	case ObjectVersionUnavailable:
		return "ObjectVersionUnavailable"
	case LockConflict:
		return "LockConflict"
	case LockedAtFutureEpoch:
		return "LockedAtFutureEpoch"
	case InvalidChildObjectAccess:
		return "InvalidChildObjectAccess"
	case MoveObjectAsPackage:
		return "MoveObjectAsPackage"
	default:
		return "Unknown"
	}
}

// Retriable reports whether a client should retry an operation that failed
// with this error kind.
func (k ErrorKind) Retriable() bool {
	return k == ObjectNotFound
}

// CacheError is the typed error carried by every fallible cache operation.
type CacheError struct {
	Kind ErrorKind
	Err  error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *CacheError) Unwrap() error { return e.Err }

// NewError builds a CacheError, optionally wrapping an underlying cause.
func NewError(kind ErrorKind, cause error) *CacheError {
	return &CacheError{Kind: kind, Err: cause}
}

// Errorf builds a CacheError with a formatted message as its cause.
func Errorf(kind ErrorKind, format string, args ...interface{}) *CacheError {
	return &CacheError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, if it (or something it wraps) is
// a *CacheError.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// InvariantViolation is panicked by Fatalf for programming-error
// conditions that must terminate the process: a gap-free violation, a
// lock-coherence divergence caught in debug mode, or a missing lock at
// MarkDeleted. A library cannot call os.Exit on behalf of its host
// process, so it logs at Fatal severity and panics with this distinguished
// type; the validator binary embedding this module is expected to let an
// unrecovered InvariantViolation crash the process like any other panic.
type InvariantViolation struct {
	Message string
}

func (v *InvariantViolation) Error() string { return "invariant violation: " + v.Message }

// Fatalf logs msg at Fatal level via the package logger and panics with an
// *InvariantViolation carrying the formatted message.
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	clog.Fatal("objstore", msg, nil)
	panic(&InvariantViolation{Message: msg})
}
