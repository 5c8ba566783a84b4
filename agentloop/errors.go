package agentloop

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable class of an agentloop error. The same
// kinds are recorded on terminal sessions as Failure.Kind.
type ErrorKind string

const (
	KindValidation         ErrorKind = "ValidationError"
	KindUnknownTool        ErrorKind = "UnknownToolError"
	KindInvalidArguments   ErrorKind = "InvalidArgumentsError"
	KindDuplicateTool      ErrorKind = "DuplicateToolError"
	KindToolExecution      ErrorKind = "ToolExecutionError"
	KindInvalidTransition  ErrorKind = "InvalidTransitionError"
	KindLimitExceeded      ErrorKind = "LimitExceeded"
	KindRepeatedFailure    ErrorKind = "RepeatedToolFailure"
	KindBackendUnavailable ErrorKind = "BackendUnavailable"
	KindInvalidRequest     ErrorKind = "InvalidRequest"
	KindCapacityExceeded   ErrorKind = "CapacityExceededError"
	KindNotFound           ErrorKind = "NotFoundError"
	KindTimeout            ErrorKind = "Timeout"
	KindCancelled          ErrorKind = "Cancelled"
	KindInternal           ErrorKind = "InternalError"
)

// Error is the error type returned by this package.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUnknownTool       = &Error{Kind: KindUnknownTool}
	ErrInvalidArguments  = &Error{Kind: KindInvalidArguments}
	ErrDuplicateTool     = &Error{Kind: KindDuplicateTool}
	ErrToolExecution     = &Error{Kind: KindToolExecution}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrCapacityExceeded  = &Error{Kind: KindCapacityExceeded}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrCancelled         = &Error{Kind: KindCancelled, Message: "session cancelled"}
)

func newError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
