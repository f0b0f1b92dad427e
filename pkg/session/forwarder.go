package session

import (
	"context"
	"errors"

	"github.com/harun/lightmux/internal/observability"
	"github.com/harun/lightmux/pkg/engine"
	"github.com/rs/zerolog"
)

// forwarder drains one session's response queue into one sink, in order, until the queue is
// closed or the forwarder is cancelled.
type forwarder struct {
	queue  engine.ResponseQueue
	sink   chan<- string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

func newForwarder(ctx context.Context, queue engine.ResponseQueue, sink chan<- string, logger zerolog.Logger) *forwarder {
	// Listen has no deadline: only stop ends a forwarder.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &forwarder{
		queue:  queue,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (f *forwarder) start() {
	observability.ForwarderStarted()
	go f.run()
}

func (f *forwarder) run() {
	defer close(f.done)
	defer observability.ForwarderStopped()

	delivered := 0
	for {
		resp, err := f.queue.Next(f.ctx)
		if err != nil {
			if errors.Is(err, engine.ErrQueueClosed) {
				f.logger.Debug().Int("delivered", delivered).Msg("Response queue closed, forwarder exiting")
			} else {
				f.logger.Debug().Err(err).Int("delivered", delivered).Msg("Forwarder cancelled")
			}
			return
		}

		select {
		case f.sink <- resp:
			delivered++
			observability.RecordResponseForwarded()
		case <-f.ctx.Done():
			f.logger.Debug().Int("delivered", delivered).Msg("Forwarder cancelled with a response in hand")
			return
		}
	}
}

// stop cancels the forwarder and waits until it can no longer touch the sink.
func (f *forwarder) stop() {
	f.cancel()
	<-f.done
}
