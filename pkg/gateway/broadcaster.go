package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster stamps server events with a sequence number and delivers them to one or all
// authenticated clients.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event, session string, data interface{}) {
	payload, ok := b.encode(event, session, data)
	if !ok {
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", event).Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// SendTo sends an event to one client.
func (b *EventBroadcaster) SendTo(client *Client, event, session string, data interface{}) error {
	payload, ok := b.encode(event, session, data)
	if !ok {
		return nil
	}
	return client.WriteMessage(websocket.TextMessage, payload)
}

func (b *EventBroadcaster) encode(event, session string, data interface{}) ([]byte, bool) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       b.seq.Add(1),
		Session:   session,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return nil, false
	}
	return payload, true
}
