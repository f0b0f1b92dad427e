// Package scheduler sends JSON-RPC requests to sessions on cron schedules, e.g. periodic
// health or finality probes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/lightmux/internal/observability"
	"github.com/harun/lightmux/pkg/session"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Sender delivers a request to a named session. *session.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, name, payload string) error
}

// Request is a recurring request definition.
type Request struct {
	Session string
	Expr    string
	Payload string
}

// Status describes a scheduled request and its last outcome.
type Status struct {
	ID      string
	Request Request
	Next    time.Time
	LastRun time.Time
	LastErr string
	Runs    int
}

type job struct {
	id      string
	entry   cron.EntryID
	req     Request
	lastRun time.Time
	lastErr error
	runs    int
}

// Scheduler runs Requests against a Sender.
type Scheduler struct {
	sender  Sender
	cron    *cron.Cron
	parser  cron.Parser
	logger  zerolog.Logger
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]*job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation evaluates expressions in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.cron = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	}
}

// WithSendTimeout bounds each send. Default 10s.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New creates a stopped scheduler.
func New(sender Sender, opts ...Option) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		sender:  sender,
		parser:  parser,
		cron:    cron.New(cron.WithParser(parser)),
		logger:  log.Logger.With().Str("component", "scheduler").Logger(),
		timeout: 10 * time.Second,
		jobs:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers req and returns its job id. It may be called before or after Start.
func (s *Scheduler) Add(req Request) (string, error) {
	if req.Session == "" {
		return "", errors.New("scheduler: session is required")
	}
	if !gjson.Valid(req.Payload) || !gjson.Parse(req.Payload).IsObject() {
		return "", fmt.Errorf("scheduler: payload for %s must be a JSON object", req.Session)
	}
	schedule, err := s.parser.Parse(req.Expr)
	if err != nil {
		return "", fmt.Errorf("scheduler: invalid expression %q: %w", req.Expr, err)
	}

	j := &job{id: uuid.NewString(), req: req}

	s.mu.Lock()
	defer s.mu.Unlock()
	j.entry = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(j.id) }))
	s.jobs[j.id] = j

	s.logger.Info().Str("job", j.id).Str("session", req.Session).Str("expr", req.Expr).Msg("Scheduled request added")
	return j.id, nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, id)
	return true
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", s.Len()).Msg("Scheduler started")
}

// Stop stops firing jobs and waits for running sends until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow fires a job immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %s", id)
	}
	return s.run(id)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Jobs returns a snapshot of every job ordered by session then id.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := Status{
			ID:      j.id,
			Request: j.req,
			Next:    s.cron.Entry(j.entry).Next,
			LastRun: j.lastRun,
			Runs:    j.runs,
		}
		if j.lastErr != nil {
			st.LastErr = j.lastErr.Error()
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Request.Session != out[b].Request.Session {
			return out[a].Request.Session < out[b].Request.Session
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (s *Scheduler) run(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	j.runs++
	run := j.runs
	req := j.req
	s.mu.Unlock()

	payload := stampID(req.Payload, id, run)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	err := s.sender.Send(ctx, req.Session, payload)
	cancel()

	s.mu.Lock()
	j.lastRun = time.Now()
	j.lastErr = err
	s.mu.Unlock()

	observability.RecordScheduledRun(req.Session, err == nil)

	switch {
	case err == nil:
		s.logger.Debug().Str("job", id).Str("session", req.Session).Int("run", run).Msg("Scheduled request sent")
	case errors.Is(err, session.ErrUnknownSession):
		s.logger.Warn().Str("job", id).Str("session", req.Session).Msg("Scheduled request skipped, session not running")
	default:
		s.logger.Error().Err(err).Str("job", id).Str("session", req.Session).Msg("Scheduled request failed")
	}
	return err
}

// stampID gives requests without an id a unique one so their responses can be told apart.
func stampID(payload, job string, run int) string {
	if gjson.Get(payload, "id").Exists() {
		return payload
	}
	stamped, err := sjson.Set(payload, "id", fmt.Sprintf("sched-%s-%d", job[:8], run))
	if err != nil {
		return payload
	}
	return stamped
}
