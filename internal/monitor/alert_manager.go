package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/tss/internal/model"
)

// DefaultAlertSubjectPrefix prefixes the alert type in published subjects
const DefaultAlertSubjectPrefix = "alert"

// AlertManager evaluates alert rules against finished task runs. It satisfies
// scheduler.RunObserver.
type AlertManager struct {
	logger        *zap.Logger
	nc            *nats.Conn
	subjectPrefix string
	rules         sync.Map

	mu       sync.Mutex
	failures map[string]int // consecutive failed runs per task
	handlers []func(*model.Alert)
}

// NewAlertManager creates a new alert manager. nc may be nil, in which case
// alerts are only logged and handed to local handlers.
func NewAlertManager(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) *AlertManager {
	if subjectPrefix == "" {
		subjectPrefix = DefaultAlertSubjectPrefix
	}
	return &AlertManager{
		logger:        logger.Named("alert-manager"),
		nc:            nc,
		subjectPrefix: subjectPrefix,
		failures:      make(map[string]int),
	}
}

// OnAlert registers a handler that receives every alert raised
func (m *AlertManager) OnAlert(handler func(*model.Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeTaskFailure, model.AlertTypeTimeout:
	case model.AlertTypeSlowRun:
		if rule.Duration <= 0 {
			return fmt.Errorf("slow run rule %q needs a positive duration", rule.Name)
		}
	default:
		return fmt.Errorf("unknown alert type: %s", rule.Type)
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	rule.UpdatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	m.rules.Delete(id)
	return nil
}

// ObserveRun evaluates every rule against run
func (m *AlertManager) ObserveRun(_ context.Context, run *model.TaskRun) {
	m.mu.Lock()
	if run.Status == model.RunStatusFailed {
		m.failures[run.TaskID]++
	} else if run.Status == model.RunStatusCompleted {
		delete(m.failures, run.TaskID)
	}
	consecutive := m.failures[run.TaskID]
	m.mu.Unlock()

	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if !rule.Matches(run.TaskID) {
			return true
		}

		switch rule.Type {
		case model.AlertTypeTaskFailure:
			threshold := rule.Threshold
			if threshold < 1 {
				threshold = 1
			}
			// fire once when the streak reaches the threshold
			if run.Status == model.RunStatusFailed && consecutive == threshold {
				m.raise(rule, run, map[string]interface{}{
					"error":                run.Error,
					"consecutive_failures": consecutive,
				})
			}
		case model.AlertTypeTimeout:
			if run.Status == model.RunStatusTimedOut {
				m.raise(rule, run, map[string]interface{}{
					"duration": run.Duration.String(),
				})
			}
		case model.AlertTypeSlowRun:
			if run.Duration > rule.Duration {
				m.raise(rule, run, map[string]interface{}{
					"duration": run.Duration.String(),
					"limit":    rule.Duration.String(),
				})
			}
		}
		return true
	})
}

// raise creates, logs and publishes an alert
func (m *AlertManager) raise(rule *model.AlertRule, run *model.TaskRun, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		TaskID:    run.TaskID,
		RunID:     run.ID,
		Message:   fmt.Sprintf("Alert triggered for rule: %s", rule.Name),
		Data:      data,
		CreatedAt: time.Now(),
	}

	m.logger.Warn("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("task_id", alert.TaskID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	m.mu.Lock()
	handlers := append([]func(*model.Alert){}, m.handlers...)
	m.mu.Unlock()
	for _, handler := range handlers {
		handler(alert)
	}

	if m.nc == nil {
		return
	}
	if err := m.publish(alert); err != nil {
		m.logger.Error("Failed to publish alert",
			zap.String("id", alert.ID),
			zap.Error(err))
	}
}

func (m *AlertManager) publish(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := m.nc.Publish(m.subjectPrefix+"."+string(alert.Type), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
