package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/midst/internal/archive"
	"github.com/roach88/midst/internal/history"
	"github.com/roach88/midst/internal/replay"
	"github.com/roach88/midst/internal/session"
	"github.com/roach88/midst/internal/store"
)

// Process exit codes.
const (
	ExitSuccess      = 0 // command did what was asked
	ExitFailure      = 1 // unreadable past, nothing to save, failed scenarios
	ExitCommandError = 2 // bad arguments, config, paths or file format
)

// Codes carried in JSON error responses.
const (
	ErrCodeGeneric      = "E001"
	ErrCodeConfig       = "E002"
	ErrCodeNotFound     = "E005" // no such file or journal entry
	ErrCodeFormat       = "E201" // not a readable .mds file
	ErrCodeEmptyHistory = "E202" // nothing to save or replay
	ErrCodeLoadFailed   = "E203" // the past could not be parsed
	ErrCodeTransition   = "E204" // replay operation not valid in this mode
	ErrCodeJournal      = "E205"
	ErrCodeUnsaved      = "E206" // journal holds unsaved work, or the past is missing
	ErrCodeTestFailed   = "E301"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// classify maps an error to a JSON error code and an exit code.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, store.ErrNotFound):
		return ErrCodeNotFound, ExitCommandError
	case errors.Is(err, archive.ErrExtension), archive.IsFormatError(err):
		return ErrCodeFormat, ExitCommandError
	case errors.Is(err, history.ErrEmptyHistory):
		return ErrCodeEmptyHistory, ExitFailure
	case errors.Is(err, session.ErrUnsavedJournal), errors.Is(err, session.ErrPartialHistory):
		return ErrCodeUnsaved, ExitFailure
	case session.IsLoadFailure(err):
		return ErrCodeLoadFailed, ExitFailure
	case replay.IsTransitionError(err), errors.Is(err, replay.ErrInvalidPosition):
		return ErrCodeTransition, ExitCommandError
	default:
		return ErrCodeGeneric, ExitFailure
	}
}
