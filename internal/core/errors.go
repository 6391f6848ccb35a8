package core

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidCron marks schedule expressions that cannot be parsed.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrClaimConflict means another poller advanced the row first. Not a failure.
	ErrClaimConflict = errors.New("task claim lost to a concurrent writer")

	ErrAlreadyRunning = errors.New("task is already running")
	ErrNotRunning     = errors.New("task is not running")

	// ErrCancelled is returned by task bodies that stop after a cancellation request.
	ErrCancelled = errors.New("task cancelled")

	// ErrVersionConflict is returned by admin writes against a stale version.
	ErrVersionConflict = errors.New("task definition was modified concurrently")

	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrSchedulerStopped  = errors.New("scheduler stopped")
)

// TaskNotFoundError is returned when a task type has no registered body.
type TaskNotFoundError struct {
	Key string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("no task body registered for %q", e.Key)
}

// IsTaskNotFound reports whether err carries a TaskNotFoundError.
func IsTaskNotFound(err error) bool {
	var target *TaskNotFoundError
	return errors.As(err, &target)
}
