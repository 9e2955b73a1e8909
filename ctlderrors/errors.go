// Package ctlderrors implements the controller's error taxonomy: a small
// set of kinds that every RPC boundary and internal component translates
// its failures into, per the propagation policy described for the core.
package ctlderrors

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// Kind enumerates the error taxonomy surfaced to RPC callers and logs.
type Kind int

const (
	// Unknown is never constructed deliberately; it signals a bug if seen.
	Unknown Kind = iota
	InvalidRequest
	NotFound
	Permission
	Duplicate
	AlreadyTerminal
	InsufficientResources
	ValidationFail
	Timeout
	NodeDown
	Preempted
	FatalConfig
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "INVALID_REQUEST"
	case NotFound:
		return "NOT_FOUND"
	case Permission:
		return "PERMISSION"
	case Duplicate:
		return "DUPLICATE"
	case AlreadyTerminal:
		return "ALREADY_TERMINAL"
	case InsufficientResources:
		return "INSUFFICIENT_RESOURCES"
	case ValidationFail:
		return "VALIDATION_FAIL"
	case Timeout:
		return "TIMEOUT"
	case NodeDown:
		return "NODE_DOWN"
	case Preempted:
		return "PREEMPTED"
	case FatalConfig:
		return "FATAL_CONFIG"
	default:
		return "UNKNOWN"
	}
}

// Error is the wrapper type every component-level failure is translated
// into at an RPC boundary. Op names the operation that failed (e.g.
// "state.CreateNode") so logs carry enough context without the caller
// needing to parse a message string.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with a human reason (no wrapped cause).
func New(op string, kind Kind, reason string) *Error {
	return &Error{Op: op, Kind: kind, Reason: reason}
}

// Wrap translates an underlying cause into a typed Error at an RPC or
// component boundary.
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

// KindOf extracts the Kind carried by err, walking Unwrap chains, and
// returns Unknown if none of the chain is a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) carries kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// Append accumulates fan-out failures (e.g. validating every node in a
// batch heartbeat, or writing all four checkpoint files) into a single
// *multierror.Error, matching the aggregation pattern used throughout the
// teacher's fsm and client packages.
func Append(dst *multierror.Error, errs ...error) *multierror.Error {
	return multierror.Append(dst, errs...)
}
