package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/lightmux/internal/observability"
	"github.com/harun/lightmux/internal/tracing"
	"github.com/harun/lightmux/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lightmux.session"

// registration is a name table entry. pending entries reserve a name while the engine creates the
// session and are invisible to every operation except a duplicate start.
type registration struct {
	id         engine.ID
	parentID   *engine.ID
	parentName string
	startedAt  time.Time
	pending    bool
	state      *responseState
}

// responseState is a response table entry: disconnected while queue is set, connected once fwd
// is set. Guarded by Manager.responsesMu.
type responseState struct {
	queue  engine.ResponseQueue
	fwd    *forwarder
	closed bool
}

// Info is a snapshot of one active session.
type Info struct {
	Name      string     `json:"name"`
	EngineID  engine.ID  `json:"engineId"`
	Parent    string     `json:"parent,omitempty"`
	ParentID  *engine.ID `json:"parentId,omitempty"`
	Listening bool       `json:"listening"`
	StartedAt time.Time  `json:"startedAt"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithStrictListen makes a second Listen on a connected session fail with ErrAlreadyListening
// instead of succeeding without effect.
func WithStrictListen() Option {
	return func(m *Manager) {
		m.strictListen = true
	}
}

// Manager is the session registry and response-stream multiplexer over one shared engine.
type Manager struct {
	handle atomic.Pointer[engine.Handle]

	namesMu sync.RWMutex
	names   map[string]*registration

	responsesMu sync.RWMutex
	responses   map[string]*responseState

	strictListen bool
	logger       zerolog.Logger

	eventHandlers []EventHandler
	eventMu       sync.RWMutex
}

// NewManager creates a manager. It must be initialized with an engine before use.
func NewManager(opts ...Option) *Manager {
	observability.EnsureRegistered()

	m := &Manager{
		names:     make(map[string]*registration),
		responses: make(map[string]*responseState),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "session-manager").Logger()
	return m
}

// Initialize hands the engine to the manager. Calling it twice is a programming error and panics.
func (m *Manager) Initialize(e engine.Engine) {
	if e == nil {
		panic("session: Initialize called with a nil engine")
	}
	if !m.handle.CompareAndSwap(nil, engine.NewHandle(e)) {
		panic("session: manager already initialized")
	}
	m.logger.Info().Msg("Session manager initialized")
}

func (m *Manager) mustHandle() *engine.Handle {
	h := m.handle.Load()
	if h == nil {
		panic("session: manager used before Initialize")
	}
	return h
}

// Start creates a session named name. parent, when non-empty, must name an active session; its
// engine id is resolved once, now, and never re-validated.
func (m *Manager) Start(ctx context.Context, name, spec string, database []byte, parent string) error {
	h := m.mustHandle()
	ctx, span, logger := m.begin(ctx, "session.start", name, attribute.String("parent", parent))
	defer span.End()

	id, err := m.start(h, name, spec, database, parent)
	observability.RecordSessionStart(err == nil)
	if err != nil {
		failSpan(span, err)
		logger.Warn().Err(err).Str("parent", parent).Msg("Session start failed")
		return err
	}

	span.SetAttributes(attribute.String("engine_id", id.String()))
	logger.Info().Stringer("engineId", id).Str("parent", parent).Msg("Session started")
	m.emit(EventStarted, name, id)
	return nil
}

func (m *Manager) start(h *engine.Handle, name, spec string, database []byte, parent string) (engine.ID, error) {
	if name == "" {
		return 0, opError("start", name, ErrInvalidName)
	}

	// Reserve the name so a concurrent duplicate start fails fast while the engine works.
	m.namesMu.Lock()
	if _, exists := m.names[name]; exists {
		m.namesMu.Unlock()
		return 0, opError("start", name, ErrAlreadyActive)
	}
	reg := &registration{pending: true, parentName: parent}
	if parent != "" {
		p, ok := m.names[parent]
		if !ok || p.pending {
			m.namesMu.Unlock()
			return 0, opError("start", name, fmt.Errorf("parent %q: %w", parent, ErrUnknownSession))
		}
		parentID := p.id
		reg.parentID = &parentID
	}
	m.names[name] = reg
	m.namesMu.Unlock()

	id, queue, err := h.CreateSession(spec, database, reg.parentID)
	if err != nil {
		m.namesMu.Lock()
		delete(m.names, name)
		m.namesMu.Unlock()
		return 0, opError("start", name, rejected(err))
	}

	state := &responseState{queue: queue}
	m.responsesMu.Lock()
	m.responses[name] = state
	m.responsesMu.Unlock()

	m.namesMu.Lock()
	reg.id = id
	reg.state = state
	reg.startedAt = time.Now()
	reg.pending = false
	active := m.activeCountLocked()
	m.namesMu.Unlock()

	observability.SetActiveSessions(active)
	return id, nil
}

// Stop destroys the named session. When it returns, the engine session is gone and any forwarder
// has exited, so no further response reaches the session's sink.
func (m *Manager) Stop(ctx context.Context, name string) error {
	h := m.mustHandle()
	_, span, logger := m.begin(ctx, "session.stop", name)
	defer span.End()

	// Cheap existence check under the shared lock; unknown names never contend for the write lock.
	m.namesMu.RLock()
	reg, ok := m.names[name]
	exists := ok && !reg.pending
	m.namesMu.RUnlock()
	if !exists {
		err := opError("stop", name, ErrUnknownSession)
		failSpan(span, err)
		return err
	}

	// Re-check under the exclusive lock: another stop may have won the race.
	m.namesMu.Lock()
	reg, ok = m.names[name]
	if !ok || reg.pending {
		m.namesMu.Unlock()
		err := opError("stop", name, ErrUnknownSession)
		failSpan(span, err)
		return err
	}
	delete(m.names, name)
	active := m.activeCountLocked()
	m.namesMu.Unlock()

	h.DestroySession(reg.id)

	m.responsesMu.Lock()
	state := reg.state
	if m.responses[name] == state {
		delete(m.responses, name)
	}
	fwd := state.fwd
	state.fwd = nil
	state.queue = nil
	state.closed = true
	m.responsesMu.Unlock()

	if fwd != nil {
		fwd.stop()
	}

	observability.SetActiveSessions(active)
	logger.Info().Stringer("engineId", reg.id).Bool("hadListener", fwd != nil).Msg("Session stopped")
	m.emit(EventStopped, name, reg.id)
	return nil
}

// Send enqueues a request on the named session's engine queue without waiting for the response.
func (m *Manager) Send(ctx context.Context, name, payload string) error {
	h := m.mustHandle()
	_, span, logger := m.begin(ctx, "session.send", name)
	defer span.End()

	err := m.send(h, name, payload)
	observability.RecordRequestEnqueued(err == nil)
	if err != nil {
		failSpan(span, err)
		logger.Debug().Err(err).Msg("Request not enqueued")
		return err
	}
	return nil
}

func (m *Manager) send(h *engine.Handle, name, payload string) error {
	// The shared lock is held across the enqueue so Stop cannot destroy the session in between.
	m.namesMu.RLock()
	defer m.namesMu.RUnlock()

	reg, ok := m.names[name]
	if !ok || reg.pending {
		return opError("send", name, ErrUnknownSession)
	}
	if err := h.Enqueue(reg.id, payload); err != nil {
		return opError("send", name, rejected(err))
	}
	return nil
}

// Listen connects sink to the named session's response stream. Responses buffered before the call
// are delivered first, in order. A session keeps its first listener for its whole lifetime; later
// calls succeed without effect unless the manager is strict.
func (m *Manager) Listen(ctx context.Context, name string, sink chan<- string) error {
	_, err := m.ListenID(ctx, name, sink)
	return err
}

// ListenID is Listen that also reports the engine id of the session sink was connected to. The id
// is zero when the call had no effect.
func (m *Manager) ListenID(ctx context.Context, name string, sink chan<- string) (engine.ID, error) {
	m.mustHandle()
	ctx, span, logger := m.begin(ctx, "session.listen", name)
	defer span.End()

	id, connected, err := m.listen(ctx, name, sink, logger)
	if err != nil {
		failSpan(span, err)
		return 0, err
	}
	if !connected {
		return 0, nil
	}
	logger.Info().Stringer("engineId", id).Msg("Listener connected")
	m.emit(EventListening, name, id)
	return id, nil
}

func (m *Manager) listen(ctx context.Context, name string, sink chan<- string, logger zerolog.Logger) (engine.ID, bool, error) {
	if sink == nil {
		return 0, false, opError("listen", name, ErrNilSink)
	}

	m.namesMu.RLock()
	reg, ok := m.names[name]
	exists := ok && !reg.pending
	m.namesMu.RUnlock()
	if !exists {
		return 0, false, opError("listen", name, ErrUnknownSession)
	}

	m.responsesMu.Lock()
	defer m.responsesMu.Unlock()

	state, ok := m.responses[name]
	if !ok || state.closed {
		return 0, false, opError("listen", name, ErrUnknownSession)
	}
	if state.fwd != nil {
		if m.strictListen {
			return 0, false, opError("listen", name, ErrAlreadyListening)
		}
		logger.Debug().Msg("Session already has a listener, ignoring")
		return 0, false, nil
	}

	state.fwd = newForwarder(ctx, state.queue, sink, logger)
	state.queue = nil
	state.fwd.start()
	return reg.id, true, nil
}

// Has reports whether name is an active session.
func (m *Manager) Has(name string) bool {
	m.namesMu.RLock()
	defer m.namesMu.RUnlock()
	reg, ok := m.names[name]
	return ok && !reg.pending
}

// List returns a snapshot of every active session ordered by name.
func (m *Manager) List() []Info {
	m.namesMu.RLock()
	infos := make([]Info, 0, len(m.names))
	states := make([]*responseState, 0, len(m.names))
	for name, reg := range m.names {
		if reg.pending {
			continue
		}
		infos = append(infos, Info{
			Name:      name,
			EngineID:  reg.id,
			Parent:    reg.parentName,
			ParentID:  reg.parentID,
			StartedAt: reg.startedAt,
		})
		states = append(states, reg.state)
	}
	m.namesMu.RUnlock()

	m.responsesMu.RLock()
	for i, state := range states {
		infos[i].Listening = state.fwd != nil
	}
	m.responsesMu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Shutdown stops every active session. Children are stopped before the sessions they were
// started under.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.handle.Load() == nil {
		return nil
	}

	infos := m.List()
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].StartedAt.After(infos[j].StartedAt) })

	var errs []error
	for _, info := range infos {
		if err := m.Stop(ctx, info.Name); err != nil && !errors.Is(err, ErrUnknownSession) {
			errs = append(errs, err)
		}
	}
	m.logger.Info().Int("stopped", len(infos)).Msg("Session manager shut down")
	return errors.Join(errs...)
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, reg := range m.names {
		if !reg.pending {
			count++
		}
	}
	return count
}

func (m *Manager) begin(ctx context.Context, op, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, zerolog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionName(ctx, name)
	attrs = append(attrs, attribute.String("session", name))
	ctx, span := tracing.StartSpan(ctx, tracerName, op, attrs...)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	return ctx, span, logger
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
