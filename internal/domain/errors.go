package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")
var ErrAlreadyExists = errors.New("already exists")
var ErrHalted = errors.New("halted")

// AbortError terminates the command that raised it. The engine maps it to a
// URI result using Kind; Recorded marks aborts whose outcome the command
// already wrote itself.
type AbortError struct {
	Kind     ResultKind
	Message  string
	Recorded bool
	Err      error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AbortError) Unwrap() error { return e.Err }

func NewAbort(kind ResultKind, message string) *AbortError {
	return &AbortError{Kind: kind, Message: message}
}

func WrapAbort(kind ResultKind, message string, err error) *AbortError {
	return &AbortError{Kind: kind, Message: message, Err: err}
}

// AbortKind extracts the result kind from err, defaulting to unknownError.
func AbortKind(err error) ResultKind {
	var ab *AbortError
	if errors.As(err, &ab) && ab.Kind != "" {
		return ab.Kind
	}
	return ResultUnknownError
}

// AbortRecorded reports whether the failing command already recorded its own
// URI result, so the engine must not add another.
func AbortRecorded(err error) bool {
	var ab *AbortError
	return errors.As(err, &ab) && ab.Recorded
}
