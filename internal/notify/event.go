// Package notify turns workflow transitions into notification messages. The
// engine writes them to the outbox inside its transaction; the Relay later
// publishes them to NATS.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// Event types.
const (
	EventWorkflowStarted   = "workflow_started"
	EventTaskAssigned      = "task_assigned"
	EventInstanceBlocked   = "instance_blocked"
	EventInstanceCompleted = "instance_completed"
	EventInstanceRejected  = "instance_rejected"
	EventInstanceAborted   = "instance_aborted"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "notifications.contract."

// Event is the JSON document published for consumption by the notification
// service.
type Event struct {
	EventType    string         `json:"event_type"`
	InstanceID   string         `json:"instance_id"`
	EntityID     string         `json:"entity_id"`
	Remark       string         `json:"remark"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	NodeOrder    int            `json:"node_order,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Subject returns the NATS subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Enqueue stores ev in the outbox of the running transaction.
func Enqueue(ctx context.Context, outbox repository.OutboxRepository, ev *Event) error {
	if ev.Severity == "" {
		ev.Severity = "info"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal notification")
	}
	return outbox.Enqueue(ctx, &repository.OutboxMessage{
		Subject: Subject(ev.EventType),
		Payload: data,
	})
}
