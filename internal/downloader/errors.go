package downloader

import (
	"errors"
	"fmt"

	"github.com/italolelis/download_manager/internal/storage"
)

var (
	// ErrDuplicateKey is returned by Create when a live record already uses the key.
	ErrDuplicateKey = errors.New("download key already exists")
	// ErrInvalidKey is returned when no record exists for the key.
	ErrInvalidKey = errors.New("download key not found")
	// ErrInvalidState is returned when an operation is not allowed from the
	// record's current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrResumeUnavailable is returned by Resume when the partial data the
	// record refers to is gone.
	ErrResumeUnavailable = errors.New("partial download data is unavailable")
	// ErrTransportUnavailable is returned when no transfer can be launched.
	ErrTransportUnavailable = errors.New("transfer engine unavailable")
	// ErrInvalidArgument is returned by Create for malformed input.
	ErrInvalidArgument = errors.New("invalid download argument")
)

// KeyError carries the operation and key that failed along with the reason.
type KeyError struct {
	Op  string // The lifecycle operation (e.g., "create", "resume")
	Key string // The download key
	Err error  // One of the sentinel errors, possibly wrapped
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s download %q: %v", e.Op, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// StateError reports an operation rejected by the state machine.
type StateError struct {
	Op    string        // The lifecycle operation that was rejected
	Key   string        // The download key
	State storage.State // The state the record was in
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s download %q in state %s", e.Op, e.Key, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
