// Package dispatch delivers outbound events to participants' live
// connections. Delivery is best effort: offline recipients and full
// buffers drop the event, nothing is retried.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Transport interface {
	Send(id models.ConnID, msg []byte) error
}

type Presence interface {
	Get(id string) (models.Participant, error)
}

type Notifier struct {
	presence  Presence
	transport Transport
	logger    *slog.Logger
}

func NewNotifier(presence Presence, transport Transport, logger *slog.Logger) *Notifier {
	return &Notifier{presence: presence, transport: transport, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, participantID, event string, payload any) {
	n.Deliver(ctx, []models.Notification{{To: participantID, Event: event, Payload: payload}})
}

func (n *Notifier) Deliver(ctx context.Context, notes []models.Notification) {
	for _, note := range notes {
		n.deliver(ctx, note)
	}
}

func (n *Notifier) deliver(ctx context.Context, note models.Notification) {
	conn := note.Conn
	if conn == "" {
		p, err := n.presence.Get(note.To)
		if err != nil || !p.Online || p.Conn == "" {
			n.drop(ctx, note, "offline")
			return
		}
		conn = p.Conn
	}
	msg, err := Encode(note.Event, note.Payload)
	if err != nil {
		n.logger.ErrorContext(ctx, "notification_encode_failed", "event", note.Event, "error", err)
		n.drop(ctx, note, "encode")
		return
	}
	if err := n.transport.Send(conn, msg); err != nil {
		reason := "send"
		switch {
		case errors.Is(err, ErrNoSession):
			reason = "no_session"
		case errors.Is(err, ErrSlowConsumer):
			reason = "slow_consumer"
		}
		n.drop(ctx, note, reason)
		return
	}
	observability.NotificationsDelivered.Inc()
}

func (n *Notifier) drop(ctx context.Context, note models.Notification, reason string) {
	observability.NotificationsDropped.WithLabelValues(reason).Inc()
	n.logger.DebugContext(ctx, "notification_dropped",
		"event", note.Event,
		"to", note.To,
		"conn_id", string(note.Conn),
		"reason", reason,
	)
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode renders an outbound socket frame.
func Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: payload})
}
