package model

import (
	"time"
)

// RunMode tells whether a run was coordinated through the shared store
type RunMode string

const (
	RunModeLocal       RunMode = "local"
	RunModeDistributed RunMode = "distributed"
)

// RunStatus represents the outcome of a single task run
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusCanceled  RunStatus = "canceled"
)

// TaskSettingsVersion is the current layout of TaskSettings
const TaskSettingsVersion = 2

// TaskSettings is the serialized schedule of a task
type TaskSettings struct {
	Version              int    `json:"version"`
	Cadence              string `json:"cadence"`
	InitialDelayDuration string `json:"initialDelayDuration,omitempty"`
	TimeoutAfterDuration string `json:"timeoutAfterDuration"`
}

// TaskRun represents one attempted execution of a task
type TaskRun struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Ticket     string    `json:"ticket,omitempty"`
	InstanceID string    `json:"instance_id"`
	Mode       RunMode   `json:"mode"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`

	// Timing fields
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}
