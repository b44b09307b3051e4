package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for handler routing.
type ErrorKind string

const (
	// ErrorKindSlotOverflow indicates a push into a full slot.
	ErrorKindSlotOverflow ErrorKind = "slot_overflow"
	// ErrorKindPolicy indicates a failure inside an activation policy.
	ErrorKindPolicy ErrorKind = "policy"
	// ErrorKindLogic indicates a failure raised by routine logic.
	ErrorKindLogic ErrorKind = "logic"
	// ErrorKindSerialization indicates a snapshot encode/decode failure.
	ErrorKindSerialization ErrorKind = "serialization"
	// ErrorKindValidation indicates a build-time graph validation failure.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindState indicates an illegal state transition or missing state.
	ErrorKindState ErrorKind = "state"
	// ErrorKindTimeout indicates a job exceeded its execution deadline.
	ErrorKindTimeout ErrorKind = "timeout"
)

// Error is a kind-classified engine error. RoutineID is empty when the
// error is not attributable to a single routine.
type Error struct {
	Kind      ErrorKind
	RoutineID string
	Err       error
}

func (e *Error) Error() string {
	if e.RoutineID != "" {
		return fmt.Sprintf("%s: routine %s: %v", e.Kind, e.RoutineID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and an optional routine attribution.
func NewError(kind ErrorKind, routineID string, err error) *Error {
	return &Error{Kind: kind, RoutineID: routineID, Err: err}
}

// Errorf wraps a formatted error with a kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or the zero kind if err is not an
// engine error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind returns true if err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrSlotOverflow is the sentinel wrapped by slot overflow errors.
var ErrSlotOverflow = errors.New("slot overflow")

// IsSlotOverflow returns true if err is a slot overflow.
func IsSlotOverflow(err error) bool {
	return errors.Is(err, ErrSlotOverflow) || IsKind(err, ErrorKindSlotOverflow)
}

// IsTimeout returns true if err is a job deadline expiry.
func IsTimeout(err error) bool {
	return IsKind(err, ErrorKindTimeout)
}
