package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrSubmissionNotFound = errors.New("file not found on grading server")
	ErrJobActive          = errors.New("evaluation already running for submission")
	ErrQueueFull          = errors.New("evaluation queue is full")
	ErrShuttingDown       = errors.New("grading server is shutting down")
)

// WorkspaceError reports a filesystem failure while preparing a job directory.
type WorkspaceError struct {
	Path string
	Err  error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %v", e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// ArchiveError reports a malformed, empty or unsafe submission archive.
type ArchiveError struct {
	Archive string
	Entry   string
	Err     error
}

func (e *ArchiveError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("archive %s: entry %q: %v", e.Archive, e.Entry, e.Err)
	}
	return fmt.Sprintf("archive %s: %v", e.Archive, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("grading exceeded deadline of %s", e.Timeout)
}

// ExecutionError covers a grading program that could not be run to completion
// for reasons other than the deadline. ExitCode is -1 when the process never started.
type ExecutionError struct {
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("grading program exited with code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("grading program could not run: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type CallbackError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *CallbackError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("callback %s rejected with status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("callback %s unreachable: %v", e.URL, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
