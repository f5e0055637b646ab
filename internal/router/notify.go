package router

import (
	"log/slog"

	json "github.com/goccy/go-json"

	"github.com/a-essam23/vibemap/internal/metrics"
	"github.com/a-essam23/vibemap/pkg/state"
)

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(ServerMessage{Event: event, Payload: payload})
}

// reply sends one message to a single connection.
func (r *EventRouter) reply(conn *state.Connection, event string, payload any) {
	r.sendAll([]*state.Connection{conn}, event, payload)
}

// sendAll encodes the message once and fans it out. Connections that are not
// connected or whose buffer is full are skipped.
func (r *EventRouter) sendAll(conns []*state.Connection, event string, payload any) {
	if len(conns) == 0 {
		return
	}
	msgBytes, err := encode(event, payload)
	if err != nil {
		r.logger.Error("Failed to marshal outbound message", slog.String("event", event), slog.Any("error", err))
		return
	}
	sent := 0
	for _, conn := range conns {
		if conn.Send(msgBytes) {
			sent++
		}
	}
	metrics.Broadcasts.WithLabelValues(event).Add(float64(sent))
	if sent < len(conns) {
		r.logger.Debug("Message not delivered to every recipient",
			slog.String("event", event),
			slog.Int("recipients", len(conns)),
			slog.Int("sent", sent),
		)
	}
}

// broadcast sends to every connected client.
func (r *EventRouter) broadcast(event string, payload any) {
	r.sendAll(r.stateManager.AllConnections(), event, payload)
}
