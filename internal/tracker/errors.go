package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrCapacityExceeded    = errors.New("you can be enrolled in at most 2 courses at a time")
	ErrDuplicateCourse     = errors.New("already enrolled in this course")
	ErrDuplicateSubject    = errors.New("a subject with this key already exists")
	ErrDuplicateTopic      = errors.New("this topic already exists")
	ErrSlotTaken           = errors.New("slot is already in use")
	ErrNotFound            = errors.New("not found")
	ErrFrozen              = errors.New("level is cleared and read-only")
	ErrEnrollmentCompleted = errors.New("enrollment is completed")
	ErrLevelNotCurrent     = errors.New("level is not the enrollment's current level")
	ErrInvalidInput        = errors.New("invalid input")
)

// BackendError wraps a failure of the storage backend. Its message is the
// backend's message, passed through verbatim.
type BackendError struct {
	Op          string
	Err         error
	Unavailable bool // deadline or connection failure
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackend reports whether err is a storage failure rather than a domain
// rule violation.
func IsBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// IsUnavailable reports whether err is a backend connectivity failure.
func IsUnavailable(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Unavailable
}

var domainErrors = []error{
	ErrCapacityExceeded,
	ErrDuplicateCourse,
	ErrDuplicateSubject,
	ErrDuplicateTopic,
	ErrSlotTaken,
	ErrNotFound,
	ErrFrozen,
	ErrEnrollmentCompleted,
	ErrLevelNotCurrent,
	ErrInvalidInput,
}

// backend leaves domain errors untouched and wraps anything else as a
// BackendError for op.
func backend(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, de := range domainErrors {
		if errors.Is(err, de) {
			return err
		}
	}
	if IsBackend(err) {
		return err
	}

	var netErr net.Error
	unavailable := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr)
	return &BackendError{Op: op, Err: err, Unavailable: unavailable}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Result is the (success, message) outcome reported to the dashboard.
type Result struct {
	OK      bool   `json:"success"`
	Message string `json:"message"`
}

// ResultOf converts an operation error into a Result, using okMessage on
// success.
func ResultOf(err error, okMessage string) Result {
	if err != nil {
		return Result{OK: false, Message: err.Error()}
	}
	return Result{OK: true, Message: okMessage}
}
