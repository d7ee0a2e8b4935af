package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is where triggers are announced unless configured otherwise
const DefaultSubject = "task.trigger"

// Message announces that a task was made due out of band
type Message struct {
	TaskID      string    `json:"task_id"`
	TriggeredAt time.Time `json:"triggered_at"`
	InstanceID  string    `json:"instance_id"`
}

// NATSNotifier broadcasts task triggers over core NATS. It satisfies
// scheduler.TriggerNotifier.
type NATSNotifier struct {
	nc         *nats.Conn
	subject    string
	instanceID string
	logger     *zap.Logger
}

// NewNATSNotifier creates a notifier publishing on subject
func NewNATSNotifier(nc *nats.Conn, subject, instanceID string, logger *zap.Logger) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{
		nc:         nc,
		subject:    subject,
		instanceID: instanceID,
		logger:     logger.Named("trigger-notifier"),
	}
}

// NotifyTriggered publishes a trigger announcement for id
func (n *NATSNotifier) NotifyTriggered(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Message{
		TaskID:      id,
		TriggeredAt: time.Now(),
		InstanceID:  n.instanceID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger message: %w", err)
	}

	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish trigger message: %w", err)
	}

	n.logger.Debug("Trigger published",
		zap.String("task_id", id),
		zap.String("subject", n.subject))
	return nil
}

// SubscribeTriggers calls handler with the task id of every announcement,
// including the ones this instance published
func (n *NATSNotifier) SubscribeTriggers(handler func(id string)) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var message Message
		if err := json.Unmarshal(msg.Data, &message); err != nil {
			n.logger.Error("Failed to unmarshal trigger message",
				zap.Error(err))
			return
		}
		if message.TaskID == "" {
			n.logger.Warn("Trigger message without task id",
				zap.String("subject", msg.Subject))
			return
		}

		handler(message.TaskID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}

	n.logger.Info("Subscribed to task triggers", zap.String("subject", n.subject))

	return func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			n.logger.Warn("Failed to unsubscribe from task triggers", zap.Error(err))
		}
	}, nil
}
