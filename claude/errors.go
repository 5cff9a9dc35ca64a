package claude

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrNotStarted = errors.New("agent process not started")
	ErrStopping   = errors.New("agent process is stopping")
)

// ProcessError represents a process-level error.
type ProcessError struct {
	Cause   error
	Message string
}

func (e *ProcessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("process error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("process error: %s", e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// CLINotFoundError indicates the agent CLI binary was not found.
type CLINotFoundError struct {
	Path  string
	Cause error
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("CLI binary not found at %q: %v", e.Path, e.Cause)
}

func (e *CLINotFoundError) Unwrap() error {
	return e.Cause
}
