package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrPauseRequested is the cancellation cause of a run that was paused.
	ErrPauseRequested = errors.New("pause requested")
	// ErrCancelRequested is the cancellation cause of a run that was cancelled.
	ErrCancelRequested = errors.New("cancel requested")
	// ErrShutdown is the cancellation cause of runs stopped by service shutdown.
	ErrShutdown = errors.New("download manager shutting down")
)

// NetworkError represents transport failures and unexpected HTTP responses,
// including 5xx responses, connection resets and timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch", "read_body")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DirectoryError represents failures preparing the destination of a download,
// such as a directory that cannot be created or a file that cannot be opened.
type DirectoryError struct {
	DirectoryName string // The directory or file that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}
