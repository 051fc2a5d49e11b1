package app

import "errors"

// Error kinds. Every error returned by App wraps exactly one of these or is
// an internal failure.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
)

// Error carries a caller facing reason alongside its kind.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return e.Kind }

func unauthenticated(reason string) error { return &Error{Kind: ErrUnauthenticated, Reason: reason} }
func forbidden(reason string) error       { return &Error{Kind: ErrForbidden, Reason: reason} }
func notFound(reason string) error        { return &Error{Kind: ErrNotFound, Reason: reason} }
func invalid(reason string) error         { return &Error{Kind: ErrValidation, Reason: reason} }
func conflict(reason string) error        { return &Error{Kind: ErrConflict, Reason: reason} }

// outcome labels an error for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
