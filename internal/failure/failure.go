// Package failure classifies pipeline errors so callers can decide between
// retrying, falling back and failing a unit of work.
package failure

import (
	"context"
	"errors"
	"io/fs"
	"os"
)

// Kind is the coarse class of a failure.
type Kind int

const (
	Unknown Kind = iota
	TransientIO
	ModelUnavailable
	UnsupportedOperation
	OutOfMemory
	NativeUnavailable
	PermissionDenied
	MalformedInput
	InvalidState
	ValidationFailure
	AuthenticationFailure
)

var kindNames = map[Kind]string{
	Unknown:               "unknown",
	TransientIO:           "transient_io",
	ModelUnavailable:      "model_unavailable",
	UnsupportedOperation:  "unsupported_operation",
	OutOfMemory:           "out_of_memory",
	NativeUnavailable:     "native_unavailable",
	PermissionDenied:      "permission_denied",
	MalformedInput:        "malformed_input",
	InvalidState:          "invalid_state",
	ValidationFailure:     "validation_failure",
	AuthenticationFailure: "authentication_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so errors.Is(err, failure.New(k, "", nil)) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Err == nil
}

// New wraps err with a kind. A nil err still produces an error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels usable with errors.Is.
var (
	ErrTransientIO           = &Error{Kind: TransientIO}
	ErrModelUnavailable      = &Error{Kind: ModelUnavailable}
	ErrUnsupportedOperation  = &Error{Kind: UnsupportedOperation}
	ErrOutOfMemory           = &Error{Kind: OutOfMemory}
	ErrNativeUnavailable     = &Error{Kind: NativeUnavailable}
	ErrPermissionDenied      = &Error{Kind: PermissionDenied}
	ErrMalformedInput        = &Error{Kind: MalformedInput}
	ErrInvalidState          = &Error{Kind: InvalidState}
	ErrValidationFailure     = &Error{Kind: ValidationFailure}
	ErrAuthenticationFailure = &Error{Kind: AuthenticationFailure}
)

// KindOf reports the kind of err. Errors without an explicit kind are
// classified from well known standard library errors.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, os.ErrPermission):
		return PermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return MalformedInput
	case errors.Is(err, context.DeadlineExceeded):
		return TransientIO
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return TransientIO
	}
	return Unknown
}

// Retryable reports whether the whole unit of work should be retried.
func Retryable(err error) bool {
	return KindOf(err) == TransientIO
}
