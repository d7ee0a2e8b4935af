package model

import (
	"encoding/json"
	"time"
)

// ScheduledTaskRow is the shared state of a distributed task
type ScheduledTaskRow struct {
	ID                  string          `json:"id"`
	Settings            json.RawMessage `json:"settings"`
	NextRunStartAt      time.Time       `json:"next_run_start_at"`
	CurrentRunTicket    *string         `json:"current_run_ticket,omitempty"`
	CurrentRunStartedAt *time.Time      `json:"current_run_started_at,omitempty"`
}

// Claimed reports whether some instance currently holds the execution claim
func (r *ScheduledTaskRow) Claimed() bool {
	return r.CurrentRunTicket != nil
}
