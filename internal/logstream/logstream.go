// Package logstream forwards structured log records to a single attached output channel, the
// side channel a hosting application uses to display engine and session logs.
package logstream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Severity codes carried by Entry.Level.
const (
	LevelTrace int32 = 5000
	LevelDebug int32 = 10000
	LevelInfo  int32 = 20000
	LevelWarn  int32 = 30000
	LevelError int32 = 40000
)

// Entry is one forwarded log record.
type Entry struct {
	TimeMillis int64  `json:"timeMillis"`
	Level      int32  `json:"level"`
	Tag        string `json:"tag"`
	Message    string `json:"message"`
}

// Stream is a zerolog.LevelWriter that converts each record to an Entry and offers it to the
// attached sink. Records are dropped while no sink is attached or when the sink is full; logging
// never blocks on the consumer.
type Stream struct {
	mu      sync.RWMutex
	sink    chan<- Entry
	dropped uint64
	now     func() time.Time
}

var _ zerolog.LevelWriter = (*Stream)(nil)

// New creates a stream with no sink attached.
func New() *Stream {
	return &Stream{now: time.Now}
}

// Attach sets the sink, replacing any sink attached earlier.
func (s *Stream) Attach(sink chan<- Entry) {
	s.mu.Lock()
	overriding := s.sink != nil
	s.sink = sink
	s.mu.Unlock()

	if overriding {
		log.Warn().Str("component", "logstream").Msg("Log sink already attached, replacing it")
	}
}

// Detach removes sink if it is the one currently attached.
func (s *Stream) Detach(sink chan<- Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == sink {
		s.sink = nil
	}
}

// Dropped returns the number of records that could not be delivered to an attached sink.
func (s *Stream) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Write implements io.Writer for records written without a level.
func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (s *Stream) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return len(p), nil
	}

	entry := s.toEntry(level, p)
	select {
	case sink <- entry:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
	return len(p), nil
}

func (s *Stream) toEntry(level zerolog.Level, p []byte) Entry {
	record := gjson.ParseBytes(p)

	millis := s.now().UnixMilli()
	if ts := record.Get(zerolog.TimestampFieldName); ts.Exists() {
		if parsed, err := time.Parse(zerolog.TimeFieldFormat, ts.String()); err == nil {
			millis = parsed.UnixMilli()
		}
	}

	if level == zerolog.NoLevel {
		if parsed, err := zerolog.ParseLevel(record.Get(zerolog.LevelFieldName).String()); err == nil {
			level = parsed
		}
	}

	return Entry{
		TimeMillis: millis,
		Level:      Severity(level),
		Tag:        tag(record),
		Message:    record.Get(zerolog.MessageFieldName).String(),
	}
}

// tag picks the most specific origin of a record: the component, else the caller.
func tag(record gjson.Result) string {
	if component := record.Get("component"); component.Exists() {
		return component.String()
	}
	if caller := record.Get(zerolog.CallerFieldName); caller.Exists() {
		return caller.String()
	}
	return "lightmux"
}

// Severity maps a zerolog level to its Entry.Level code.
func Severity(level zerolog.Level) int32 {
	switch level {
	case zerolog.TraceLevel:
		return LevelTrace
	case zerolog.DebugLevel:
		return LevelDebug
	case zerolog.WarnLevel:
		return LevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}
