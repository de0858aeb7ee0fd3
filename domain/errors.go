package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorization indicates the requester may not touch the board or the
	// entities do not belong to it.
	ErrAuthorization = errors.New("not authorized")
	// ErrNotFound indicates the target entity does not exist (or vanished).
	ErrNotFound = errors.New("not found")
	// ErrRetryableConflict indicates the entity changed between read and
	// conditional write. The client should re-fetch and re-issue.
	ErrRetryableConflict = errors.New("concurrency conflict")
	// ErrBusy indicates the serialization unit could not be acquired in time.
	ErrBusy = errors.New("busy")
	// ErrReindexFailure indicates the list's ordering could not be restored
	// and moves into it are blocked until a recovery reindex succeeds.
	ErrReindexFailure = errors.New("reindex failure")
	// ErrInvalidIntent indicates a malformed move request.
	ErrInvalidIntent = errors.New("invalid intent")
)

// RejectedError is the terminal state of a move that did not commit.
type RejectedError struct {
	Op   string
	Kind error
	Err  error
}

func (e *RejectedError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("%s rejected: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s rejected: %v: %v", e.Op, e.Kind, e.Err)
}

// Is matches the rejection kind so callers can use errors.Is(err, ErrBusy).
func (e *RejectedError) Is(target error) bool {
	return e.Kind == target
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Reject wraps cause as a rejection of the given kind.
func Reject(op string, kind, cause error) *RejectedError {
	if cause == nil {
		cause = kind
	}
	return &RejectedError{Op: op, Kind: kind, Err: cause}
}

// Retryable reports whether the client may retry the same intent.
func Retryable(err error) bool {
	return errors.Is(err, ErrRetryableConflict) || errors.Is(err, ErrBusy)
}
