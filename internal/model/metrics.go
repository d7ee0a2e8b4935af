package model

import "time"

// TaskStats aggregates the runs of one task seen by this instance
type TaskStats struct {
	TaskID        string        `json:"task_id"`
	Runs          int64         `json:"runs"`
	Failures      int64         `json:"failures"`
	Timeouts      int64         `json:"timeouts"`
	Cancellations int64         `json:"cancellations"`
	LastStatus    RunStatus     `json:"last_status"`
	LastDuration  time.Duration `json:"last_duration"`
	LastRunAt     time.Time     `json:"last_run_at"`
}

// MetricsSnapshot is one sample of host and task metrics
type MetricsSnapshot struct {
	InstanceID  string       `json:"instance_id"`
	Timestamp   time.Time    `json:"timestamp"`
	CPUUsage    float64      `json:"cpu_usage"`
	MemoryUsage float64      `json:"memory_usage"`
	Tasks       []*TaskStats `json:"tasks"`
}
