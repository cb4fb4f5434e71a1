package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQueue means no pending task is claimable right now.
	ErrEmptyQueue = errors.New("no claimable task in queue")
	// ErrUnknownTask means the task id is not in the queue.
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotLocked means the caller does not hold the task's claim.
	ErrNotLocked = errors.New("task not claimed by caller")
)

// QuarantineError reports a corrupted queue file that was moved aside. The
// original bytes are preserved under quarantine/, never silently dropped.
type QuarantineError struct {
	Path string
	Err  error
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("queue file %s quarantined: %v", e.Path, e.Err)
}

func (e *QuarantineError) Unwrap() error {
	return e.Err
}
