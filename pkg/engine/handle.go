package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handle owns the single engine instance and serializes every mutation behind one mutex.
type Handle struct {
	mu     sync.Mutex
	engine Engine
	logger zerolog.Logger
}

// NewHandle wraps an engine. The engine must not be used directly afterwards.
func NewHandle(e Engine) *Handle {
	return &Handle{
		engine: e,
		logger: log.Logger.With().Str("component", "engine-handle").Logger(),
	}
}

// CreateSession asks the engine for a new session.
func (h *Handle) CreateSession(spec string, database []byte, parent *ID) (ID, ResponseQueue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, queue, err := h.engine.AddSession(spec, database, parent)
	if err != nil {
		return 0, nil, fmt.Errorf("add session: %w", err)
	}

	event := h.logger.Debug().Stringer("engineId", id)
	if parent != nil {
		event = event.Stringer("parentId", *parent)
	}
	event.Msg("Engine session created")

	return id, queue, nil
}

// DestroySession removes the session from the engine, closing its response queue. Callers
// guarantee it is invoked at most once per live id; engine errors are logged, not returned.
func (h *Handle) DestroySession(id ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.engine.RemoveSession(id); err != nil {
		h.logger.Warn().Err(err).Stringer("engineId", id).Msg("Engine failed to remove session")
		return
	}
	h.logger.Debug().Stringer("engineId", id).Msg("Engine session destroyed")
}

// Enqueue forwards a request to the engine without waiting for its response.
func (h *Handle) Enqueue(id ID, payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.engine.Enqueue(id, payload); err != nil {
		return fmt.Errorf("enqueue request for session %s: %w", id, err)
	}
	return nil
}
