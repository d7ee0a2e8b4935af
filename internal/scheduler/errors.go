package scheduler

import "errors"

var (
	// ErrInvalidTaskID is returned when a task id fails validation
	ErrInvalidTaskID = errors.New("invalid task id")

	// ErrInvalidSchedule is returned when a cadence, timeout or initial delay cannot be used
	ErrInvalidSchedule = errors.New("invalid task schedule")

	// ErrMissingTaskFunc is returned when a task is registered without a function
	ErrMissingTaskFunc = errors.New("task function is required")

	// ErrTaskNotFound is returned when triggering a task that was never registered
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskConflict is returned when triggering a task that is currently running
	ErrTaskConflict = errors.New("task is currently running")

	// ErrStoreUnavailable is returned for distributed operations on a scheduler without a store
	ErrStoreUnavailable = errors.New("no task store configured")

	// ErrSchedulerStopped is returned when registering tasks after Stop
	ErrSchedulerStopped = errors.New("scheduler stopped")
)
