package daemon

import (
	"context"
	"time"

	"github.com/harun/lightmux/internal/observability"
)

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration

	lastDropped uint64
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: 30 * time.Second,
	}
}

// Run runs the event loop until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Debug().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes the session gauge and reports sessions whose responses are piling up.
func (e *EventLoop) processTasks() {
	d := e.daemon
	infos := d.sessions.List()
	observability.SetActiveSessions(len(infos))

	limit := d.config.Engine.MaxPendingResponses
	for _, info := range infos {
		pending := d.engine.Pending(info.EngineID)
		if pending == 0 {
			continue
		}
		event := d.logger.Debug()
		if limit > 0 && pending*4 >= limit*3 {
			event = d.logger.Warn()
		}
		event.
			Str("session", info.Name).
			Bool("listening", info.Listening).
			Int("pending", pending).
			Int("limit", limit).
			Msg("Undelivered responses")
	}

	if d.logs != nil {
		dropped := d.logs.Dropped()
		if dropped > e.lastDropped {
			d.logger.Warn().Uint64("dropped", dropped-e.lastDropped).Msg("Log stream subscriber is falling behind")
		}
		e.lastDropped = dropped
	}
}
