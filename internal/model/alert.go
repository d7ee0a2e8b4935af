package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeTaskFailure fires once a task failed Threshold runs in a row
	AlertTypeTaskFailure AlertType = "task_failure"
	// AlertTypeTimeout fires for every run that hit its timeout
	AlertTypeTimeout AlertType = "execution_timeout"
	// AlertTypeSlowRun fires for runs that took longer than Duration
	AlertTypeSlowRun AlertType = "slow_run"
)

// AlertRule defines a rule for generating alerts
type AlertRule struct {
	ID        string        `json:"id" mapstructure:"id"`
	Name      string        `json:"name" mapstructure:"name"`
	Type      AlertType     `json:"type" mapstructure:"type"`
	TaskID    string        `json:"task_id,omitempty" mapstructure:"task_id"` // empty matches every task
	Duration  time.Duration `json:"duration,omitempty" mapstructure:"duration"`
	Threshold int           `json:"threshold,omitempty" mapstructure:"threshold"`
	Severity  AlertSeverity `json:"severity" mapstructure:"severity"`
	Silenced  bool          `json:"silenced" mapstructure:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Matches reports whether the rule applies to taskID
func (r *AlertRule) Matches(taskID string) bool {
	return !r.Silenced && (r.TaskID == "" || r.TaskID == taskID)
}

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	TaskID    string                 `json:"task_id"`
	RunID     string                 `json:"run_id"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
