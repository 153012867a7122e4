package loopclosure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind categorizes the errors this package can return, per the error
// handling policy: init/finalize errors and SetNode's descriptor-dimension
// mismatch are surfaced, candidate-level conditions inside GetLoopClosure
// collapse to "reject this candidate, try the next."
type Kind int

// Error kinds.
const (
	// KindConfigInvalid means a parameter was out of range at init.
	KindConfigInvalid Kind = iota
	// KindDirectoryError means the scratch directory could not be created or cleaned.
	KindDirectoryError
	// KindDimensionMismatch means a node's descriptor width does not match the
	// width fixed by the first node ingested with non-empty descriptors.
	KindDimensionMismatch
	// KindNotFound means a requested node index was never stored.
	KindNotFound
	// KindDegenerateGeometry means a fundamental matrix or PnP solve was unusable.
	KindDegenerateGeometry
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindDirectoryError:
		return "DirectoryError"
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindNotFound:
		return "NotFound"
	case KindDegenerateGeometry:
		return "DegenerateGeometry"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by this package. Compare against the
// sentinel Err* values with errors.Is; the wrapped cause (if any) is
// available via errors.Unwrap and carries a stack trace from pkg/errors.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is treats all *Error values of the same Kind as equivalent, so
// errors.Is(err, loopclosure.ErrNotFound) works regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func newErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Sentinel errors for use with errors.Is. They carry no cause; use
// errors.Is(err, ErrNotFound), not equality.
var (
	ErrConfigInvalid      = &Error{Kind: KindConfigInvalid}
	ErrDirectoryError     = &Error{Kind: KindDirectoryError}
	ErrDimensionMismatch  = &Error{Kind: KindDimensionMismatch}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrDegenerateGeometry = &Error{Kind: KindDegenerateGeometry}
)
