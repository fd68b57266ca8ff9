// Package errs defines the error kinds reported by the build context, the boxing subsystem and the
// collective communication library.
//
// Errors are created with github.com/pkg/errors, so they carry a stack trace, and layers add context to
// them with errors.WithMessagef. The Kind survives any amount of wrapping and can be recovered with KindOf.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error.
type Kind int

const (
	// Unknown is returned by KindOf for errors not created by this package.
	Unknown Kind = iota

	// InvalidArgument: malformed descriptor, unknown value id, bad lbn, inconsistent lengths.
	InvalidArgument

	// PreconditionFailed: an operation called in the wrong build state, or a boxing pair not acceptable.
	PreconditionFailed

	// RuntimeMismatch: an actual tensor's placed distribution differs from the declared input.
	RuntimeMismatch

	// NotFound: unknown boxing function name, unknown value, unknown op type.
	NotFound

	// TransportFailure: a communication primitive failed.
	TransportFailure

	// AlreadyExists: duplicate registration of a name.
	AlreadyExists

	// ParseError: malformed text at the wire boundary.
	ParseError

	// InvalidState: the job context is in a state that doesn't allow the operation.
	InvalidState
)

var kindNames = map[Kind]string{
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	PreconditionFailed: "PreconditionFailed",
	RuntimeMismatch:    "RuntimeMismatch",
	NotFound:           "NotFound",
	TransportFailure:   "TransportFailure",
	AlreadyExists:      "AlreadyExists",
	ParseError:         "ParseError",
	InvalidState:       "InvalidState",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is an error tagged with a Kind.
type Error struct {
	kind Kind
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying error, which holds the stack trace.
func (e *Error) Unwrap() error {
	return e.err
}

// Kind of the error.
func (e *Error) Kind() Kind {
	return e.kind
}

// Format implements fmt.Formatter, so "%+v" prints the stack trace of the underlying error.
func (e *Error) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	_, _ = fmt.Fprint(s, e.err.Error())
}

// New creates an error of the given kind with a stack trace.
func New(kind Kind, message string) error {
	return &Error{kind: kind, err: errors.New(message)}
}

// Errorf creates an error of the given kind with a formatted message and a stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrapf tags err with kind, adding a formatted message. It returns nil if err is nil.
//
// If err already has a kind, the new kind replaces it for the returned error.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// KindOf returns the kind of the outermost tagged error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
