// Package events publishes domain events for out-of-band consumers:
// analytics, operator dashboards, and anything else that should not sit on
// the message hot path.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type names follow "entity.action".
const (
	TypeAppointmentBooked      = "appointment.booked"
	TypeAppointmentCancelled   = "appointment.cancelled"
	TypeAppointmentRescheduled = "appointment.rescheduled"
	TypeHandoffActivated       = "handoff.activated"
	TypeHandoffEnded           = "handoff.ended"
	TypeMessageProcessed       = "message.processed"
)

// Event is one domain event. Payload keys are event-specific and must be
// JSON-marshalable.
type Event struct {
	Type           string                 `json:"type"`
	OrganizationID uuid.UUID              `json:"organization_id"`
	At             time.Time              `json:"at"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// Notifier publishes events. Implementations must not block the caller
// beyond ctx and must swallow their own delivery failures.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// LogNotifier writes events to the structured log. Always wired; the Kafka
// notifier is layered on top via Multi when configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "events")}
}

func (n *LogNotifier) Publish(_ context.Context, ev Event) {
	n.log.Info("event", "type", ev.Type, "org_id", ev.OrganizationID, "payload", ev.Payload)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Publish(ctx, ev)
	}
}
