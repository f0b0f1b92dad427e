package session

import (
	"time"

	"github.com/harun/lightmux/pkg/engine"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	EventStarted   EventType = "started"
	EventListening EventType = "listening"
	EventStopped   EventType = "stopped"
)

// Event is emitted after a lifecycle transition has completed.
type Event struct {
	Type     EventType
	Session  string
	EngineID engine.ID
	Time     time.Time
}

// EventHandler receives lifecycle events. Handlers run synchronously on the caller's goroutine,
// outside every manager lock.
type EventHandler func(Event)

// OnEvent registers a lifecycle event handler.
func (m *Manager) OnEvent(handler EventHandler) {
	if handler == nil {
		return
	}
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.eventHandlers = append(m.eventHandlers, handler)
}

func (m *Manager) emit(typ EventType, name string, id engine.ID) {
	m.eventMu.RLock()
	handlers := append([]EventHandler(nil), m.eventHandlers...)
	m.eventMu.RUnlock()

	event := Event{Type: typ, Session: name, EngineID: id, Time: time.Now()}
	for _, handler := range handlers {
		handler(event)
	}
}
