// Package sandbox adapts the execution surface (shell, filesystem, desktop)
// to the uniform result shape the orchestration loop records: ok, output,
// a classified failure reason, and an explicit truncation flag.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"
)

// Reason classifies why a sandbox action failed.
type Reason string

const (
	ReasonTimeout          Reason = "timeout"
	ReasonCancelled        Reason = "cancelled"
	ReasonExitStatus       Reason = "exit_status"
	ReasonNotFound         Reason = "not_found"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonIO               Reason = "io_error"
	ReasonInvalidInput     Reason = "invalid_input"
	ReasonUnavailable      Reason = "unavailable"
	ReasonInternal         Reason = "internal"
)

// Failure is the classified error carried by an unsuccessful Result.
type Failure struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// Result is the normalized outcome of one sandbox action.
type Result struct {
	OK        bool          `json:"ok"`
	Output    string        `json:"output"`
	Error     *Failure      `json:"error,omitempty"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
	Image     []byte        `json:"image,omitempty"`
}

// Succeeded builds an ok Result.
func Succeeded(output string) Result {
	return Result{OK: true, Output: output}
}

// Failed builds a failed Result with the given reason.
func Failed(reason Reason, format string, args ...any) Result {
	return Result{Error: &Failure{Reason: reason, Message: fmt.Sprintf(format, args...)}}
}

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// InputError reports arguments the sandbox cannot act on (bad path, unknown
// action) that slipped past schema validation.
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

// ErrOutsideWorkspace is returned for paths that resolve outside the
// environment's working directory.
var ErrOutsideWorkspace = errors.New("path escapes the workspace")

// ErrUnavailable is returned when a capability (e.g. a display) is missing.
var ErrUnavailable = errors.New("capability unavailable")

// Classify maps an action error onto a Reason.
func Classify(err error) Reason {
	var (
		exitErr  *ExitError
		inputErr *InputError
		pathErr  *fs.PathError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.As(err, &exitErr):
		return ReasonExitStatus
	case errors.As(err, &inputErr):
		return ReasonInvalidInput
	case errors.Is(err, ErrOutsideWorkspace), errors.Is(err, fs.ErrPermission):
		return ReasonPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return ReasonNotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, exec.ErrNotFound):
		return ReasonUnavailable
	case errors.As(err, &pathErr):
		return ReasonIO
	default:
		return ReasonInternal
	}
}
