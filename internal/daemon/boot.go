package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/lightmux/internal/config"
	"github.com/rs/zerolog"
)

// responseBuffer sizes the sink of sessions started with log_responses.
const responseBuffer = 64

// bootSessions starts the configured sessions in declaration order, so parents precede children.
func (d *Daemon) bootSessions(ctx context.Context, logger zerolog.Logger) error {
	for _, sc := range d.config.Sessions {
		spec, err := d.resolveSpec(sc)
		if err != nil {
			return fmt.Errorf("session %s: %w", sc.Name, err)
		}

		var database []byte
		if sc.DatabaseFile != "" {
			database, err = os.ReadFile(sc.DatabaseFile)
			if err != nil {
				return fmt.Errorf("session %s: failed to read database: %w", sc.Name, err)
			}
		}

		if err := d.sessions.Start(ctx, sc.Name, spec, database, sc.Parent); err != nil {
			return fmt.Errorf("session %s: %w", sc.Name, err)
		}

		if sc.LogResponses {
			if err := d.logResponses(ctx, sc.Name); err != nil {
				return fmt.Errorf("session %s: %w", sc.Name, err)
			}
		}

		logger.Info().
			Str("session", sc.Name).
			Str("parent", sc.Parent).
			Bool("log_responses", sc.LogResponses).
			Msg("Configured session started")
	}
	return nil
}

func (d *Daemon) resolveSpec(sc config.SessionConfig) (string, error) {
	if sc.Chain != "" {
		spec, err := d.chains.Lookup(sc.Chain)
		if err != nil {
			return "", fmt.Errorf("chain %s: %w", sc.Chain, err)
		}
		return spec, nil
	}

	data, err := os.ReadFile(sc.SpecFile)
	if err != nil {
		return "", fmt.Errorf("failed to read spec file: %w", err)
	}
	return string(data), nil
}

// logResponses listens on the named session and writes every response to the log until the
// daemon stops.
func (d *Daemon) logResponses(ctx context.Context, name string) error {
	sink := make(chan string, responseBuffer)
	if err := d.sessions.Listen(ctx, name, sink); err != nil {
		return err
	}

	logger := d.logger.Component("responses").With().Str("session", name).Logger()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case resp := <-sink:
				logger.Info().Str("response", resp).Msg("Session response")
			}
		}
	}()
	return nil
}
