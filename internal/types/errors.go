package types

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind enumerates the error taxonomy from the error-handling design:
// each propagates differently.
type Kind int

const (
	KindValidation Kind = iota
	KindDownloadFailure
	KindLaunchFailure
	KindRuntimeCrash
	KindInternalInvariantViolation
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindDownloadFailure:
		return "DownloadFailure"
	case KindLaunchFailure:
		return "LaunchFailure"
	case KindRuntimeCrash:
		return "RuntimeCrash"
	case KindInternalInvariantViolation:
		return "InternalInvariantViolation"
	case KindTransport:
		return "TransportError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the typed error value used throughout the core. It carries a
// Kind so callers can branch on propagation policy with errors.As, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrX) work by comparing Kind against a bare
// *Error carrying only that Kind, which the ErrX sentinels below are.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinels for errors.Is comparisons, e.g. errors.Is(err, ErrValidation).
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrDownloadFailure   = &Error{Kind: KindDownloadFailure}
	ErrLaunchFailure     = &Error{Kind: KindLaunchFailure}
	ErrRuntimeCrash      = &Error{Kind: KindRuntimeCrash}
	ErrInvariantViolated = &Error{Kind: KindInternalInvariantViolation}
	ErrTransport         = &Error{Kind: KindTransport}
)

// NewError builds a Kind-tagged error with a plain message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Kind-tagged error around a lower-level cause. At adapter
// boundaries (launcher, downloader, the RPC façade) the cause is first run
// through go-errors/errors so the original stack trace survives into logs,
// mirroring how the teacher wraps errors at its own outermost boundary.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return NewError(kind, format, args...)
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   goerrors.Wrap(cause, 1),
	}
}
