package gateway

import (
	"encoding/json"
	"sync"

	"github.com/harun/lightmux/internal/logstream"
	"github.com/harun/lightmux/pkg/engine"
	"github.com/harun/lightmux/pkg/session"
)

const (
	responseBuffer = 64
	logBuffer      = 256
)

// listener pumps one session's responses to the client that listened on it. The session keeps
// its listener for its lifetime, so when the client goes away the pump keeps draining and drops
// responses until the session stops.
type listener struct {
	session  string
	engineID engine.ID
	clientID string
	sink     chan string
	done     chan struct{}
	once     sync.Once
}

func (l *listener) close() {
	l.once.Do(func() { close(l.done) })
}

// logSubscription pumps log stream entries to one client.
type logSubscription struct {
	clientID string
	sink     chan logstream.Entry
	done     chan struct{}
	once     sync.Once
}

func (l *logSubscription) close() {
	l.once.Do(func() { close(l.done) })
}

// reserveListener claims the gateway side of a session's stream for clientID. It fails when a
// gateway client already listens on the session.
func (s *Server) reserveListener(name, clientID string) (*listener, bool) {
	s.pumpsMu.Lock()
	defer s.pumpsMu.Unlock()

	if _, exists := s.listeners[name]; exists {
		return nil, false
	}
	l := &listener{
		session:  name,
		clientID: clientID,
		sink:     make(chan string, responseBuffer),
		done:     make(chan struct{}),
	}
	s.listeners[name] = l
	return l, true
}

// activateListener binds the listener to the engine id its sink was connected to and starts its
// pump.
func (s *Server) activateListener(l *listener, id engine.ID) {
	s.pumpsMu.Lock()
	l.engineID = id
	s.pumpsMu.Unlock()

	s.pumpWG.Add(1)
	go s.pumpResponses(l)
}

func (s *Server) dropListener(l *listener) {
	s.pumpsMu.Lock()
	if s.listeners[l.session] == l {
		delete(s.listeners, l.session)
	}
	s.pumpsMu.Unlock()
	l.close()
}

func (s *Server) pumpResponses(l *listener) {
	defer s.pumpWG.Done()

	logger := s.logger.With().Str("session", l.session).Str("clientId", l.clientID).Logger()
	dropped := 0
	for {
		select {
		case resp := <-l.sink:
			client, ok := s.clients.Get(l.clientID)
			if !ok {
				dropped++
				continue
			}
			event := ResponseEvent{Session: l.session, Response: json.RawMessage(resp)}
			if !json.Valid(event.Response) {
				raw, _ := json.Marshal(resp)
				event.Response = raw
			}
			if err := s.broadcaster.SendTo(client, "session.response", l.session, event); err != nil {
				logger.Debug().Err(err).Msg("Failed to push session response")
				dropped++
			}
		case <-l.done:
			if dropped > 0 {
				logger.Info().Int("dropped", dropped).Msg("Response pump ended with undelivered responses")
			}
			return
		}
	}
}

// onSessionEvent broadcasts lifecycle events and ends the pump of a stopped session.
func (s *Server) onSessionEvent(ev session.Event) {
	s.broadcaster.Broadcast("session."+string(ev.Type), ev.Session, map[string]interface{}{
		"session":  ev.Session,
		"engineId": ev.EngineID,
	})

	if ev.Type != session.EventStopped {
		return
	}

	s.pumpsMu.Lock()
	l, ok := s.listeners[ev.Session]
	if ok && (l.engineID == 0 || l.engineID == ev.EngineID) {
		delete(s.listeners, ev.Session)
	} else {
		ok = false
	}
	s.pumpsMu.Unlock()

	if ok {
		l.close()
	}
}

// subscribeLogs makes clientID the log stream consumer, replacing any earlier subscriber.
func (s *Server) subscribeLogs(clientID string) {
	sub := &logSubscription{
		clientID: clientID,
		sink:     make(chan logstream.Entry, logBuffer),
		done:     make(chan struct{}),
	}

	s.pumpsMu.Lock()
	previous := s.logSub
	s.logSub = sub
	s.pumpsMu.Unlock()

	if previous != nil {
		previous.close()
	}
	s.logs.Attach(sub.sink)

	s.pumpWG.Add(1)
	go s.pumpLogs(sub)
}

// unsubscribeLogs detaches the log stream if clientID owns it.
func (s *Server) unsubscribeLogs(clientID string) bool {
	s.pumpsMu.Lock()
	sub := s.logSub
	if sub == nil || sub.clientID != clientID {
		s.pumpsMu.Unlock()
		return false
	}
	s.logSub = nil
	s.pumpsMu.Unlock()

	s.logs.Detach(sub.sink)
	sub.close()
	return true
}

func (s *Server) pumpLogs(sub *logSubscription) {
	defer s.pumpWG.Done()

	for {
		select {
		case entry := <-sub.sink:
			client, ok := s.clients.Get(sub.clientID)
			if !ok {
				continue
			}
			// Write errors are not logged here: the log would come straight back.
			if err := s.broadcaster.SendTo(client, "log", "", entry); err != nil {
				go s.unsubscribeLogs(sub.clientID)
				return
			}
		case <-sub.done:
			return
		}
	}
}

// releaseClient drops the log subscription of a departed client. Its session listeners stay
// until their sessions stop.
func (s *Server) releaseClient(clientID string) {
	if s.logs != nil {
		s.unsubscribeLogs(clientID)
	}
}

// stopPumps ends every pump. Forwarders blocked on a full sink are released when their
// sessions stop.
func (s *Server) stopPumps() {
	s.pumpsMu.Lock()
	listeners := make([]*listener, 0, len(s.listeners))
	for name, l := range s.listeners {
		listeners = append(listeners, l)
		delete(s.listeners, name)
	}
	s.pumpsMu.Unlock()

	for _, l := range listeners {
		l.close()
	}
	if s.logs != nil {
		s.pumpsMu.Lock()
		sub := s.logSub
		s.pumpsMu.Unlock()
		if sub != nil {
			s.unsubscribeLogs(sub.clientID)
		}
	}
	s.pumpWG.Wait()
}
