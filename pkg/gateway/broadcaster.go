package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster pushes events to authenticated websocket clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a broadcaster over clients.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast sends an event to every authenticated client.
func (b *EventBroadcaster) Broadcast(msg EventMessage) {
	data, ok := b.encode(&msg)
	if !ok {
		return
	}

	clients := b.clients.Authenticated()
	failed := 0
	for _, c := range clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			failed++
			b.logger.Warn().Err(err).Str("client_id", c.ID).Str("event", msg.Event).Msg("Failed to broadcast to client")
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// SendTo sends an event to one client.
func (b *EventBroadcaster) SendTo(clientID string, msg EventMessage) {
	c, ok := b.clients.Get(clientID)
	if !ok || !c.Authenticated {
		return
	}
	data, ok := b.encode(&msg)
	if !ok {
		return
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		b.logger.Warn().Err(err).Str("client_id", clientID).Str("event", msg.Event).Msg("Failed to send event")
	}
}

func (b *EventBroadcaster) encode(msg *EventMessage) ([]byte, bool) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Msg("Failed to marshal event")
		return nil, false
	}
	return data, true
}
