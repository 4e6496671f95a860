// Package xerrors defines the error taxonomy used across the filesystem
// engine: the user-triggerable kinds a caller can branch on, and a fatal
// panic payload for invariant violations that a transaction cannot recover
// from.
package xerrors

import "fmt"

// Kind is one of the error categories a caller can test for with Is.
type Kind int

const (
	// NotFound: path component, directory entry, or free inode missing.
	NotFound Kind = iota + 1
	// TypeMismatch: operation invoked on the wrong inode kind.
	TypeMismatch
	// AlreadyExists: dir_link where the name is already present.
	AlreadyExists
	// OutOfSpace: no free data block or no free on-disk inode.
	OutOfSpace
	// OutOfRange: bmap offset beyond double-indirect addressing, or
	// read/write arithmetic overflow.
	OutOfRange
	// CorruptState: an indirect entry points at an unallocated block and the
	// caller didn't ask for reallocation.
	CorruptState
)

// Error lets a bare Kind be used as errors.Is's target argument, e.g.
// errors.Is(err, xerrors.NotFound).
func (k Kind) Error() string {
	return k.String()
}

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case TypeMismatch:
		return "type mismatch"
	case AlreadyExists:
		return "already exists"
	case OutOfSpace:
		return "out of space"
	case OutOfRange:
		return "out of range"
	case CorruptState:
		return "corrupt state"
	default:
		return "unknown error"
	}
}

// Error wraps one of the Kind values above with a human-readable message and
// an optional underlying cause.
type Error struct {
	Kind    Kind
	message string
	cause   error
}

// New creates an Error of the given kind with a default message derived from
// the kind itself.
func New(kind Kind) *Error {
	return &Error{Kind: kind, message: kind.String()}
}

// NewWithMessage creates an Error of the given kind with a custom message.
func NewWithMessage(kind Kind, message string) *Error {
	return &Error{Kind: kind, message: fmt.Sprintf("%s: %s", kind.String(), message)}
}

// Wrap creates an Error of the given kind around an existing error, chaining
// its message onto the new one.
func Wrap(kind Kind, err error) *Error {
	return &Error{
		Kind:    kind,
		message: fmt.Sprintf("%s: %s", kind.String(), err.Error()),
		cause:   err,
	}
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets callers use errors.Is(err, xerrors.NotFound) etc. without needing
// to unwrap an *Error by hand.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// Fatal is the panic payload used for invariant violations and allocator
// exhaustion inside a transaction (spec §7): these are not returned to the
// caller because the on-disk state must not be left half-mutated, so the
// journal's commit-or-nothing guarantee is the only thing that can restore
// consistency after the panic unwinds.
type Fatal struct {
	Reason string
}

func (f Fatal) String() string {
	return f.Reason
}

// Panic raises a Fatal with the given formatted reason.
func Panic(format string, args ...any) {
	panic(Fatal{Reason: fmt.Sprintf(format, args...)})
}
