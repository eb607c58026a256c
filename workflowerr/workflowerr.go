// Package workflowerr defines the stable error-kind enumeration (spec.md §7)
// shared by every component, modeled on the teacher's EngineError/NodeError
// pair: a single structured type with a Code field instead of one Go error
// type per failure mode.
package workflowerr

import "fmt"

// Kind is one of the eight stable error kinds spec.md §7 names. Kinds are
// enumerants, not Go types — callers switch on Kind, never on a type
// assertion chain.
type Kind string

const (
	Transient         Kind = "Transient"
	Validation        Kind = "Validation"
	NotFound          Kind = "NotFound"
	InvalidTransition Kind = "InvalidTransition"
	Timeout           Kind = "Timeout"
	Cancelled         Kind = "Cancelled"
	Conflict          Kind = "Conflict"
	Internal          Kind = "Internal"
)

// Error is the structured error type every core operation returns instead
// of an ad-hoc Go error. It is errors.Is/errors.As compatible via Unwrap.
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

// Retryable reports whether the Graph Executor / Stage Runner should retry
// the operation that produced this error. Only Transient errors are.
func (e *Error) Retryable() bool { return e.Kind == Transient }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) a *Error of the given kind; it
// returns false for any other error. Convenience for call sites that only
// care about the kind.
func Is(err error, kind Kind) bool {
	we, ok := asError(err)
	return ok && we.Kind == kind
}

func asError(err error) (*Error, bool) {
	for err != nil {
		if we, ok := err.(*Error); ok {
			return we, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// SuggestedActions returns the human-facing recovery actions spec.md §7
// requires every user-visible error to carry.
func SuggestedActions(kind Kind) []string {
	switch kind {
	case Transient:
		return []string{"retry the operation"}
	case Timeout:
		return []string{"retry workflow from last checkpoint"}
	case Conflict:
		return []string{"resume the existing workflow for this session instead of starting a new one"}
	case NotFound:
		return []string{"verify the session id", "start a new workflow if none exists"}
	case Validation:
		return []string{"correct the request payload and resubmit"}
	default:
		return []string{"contact support with the error code"}
	}
}
