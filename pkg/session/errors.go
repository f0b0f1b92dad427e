package session

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped in *Error) by Manager operations.
var (
	// ErrAlreadyActive indicates a start for a name that already has a session.
	ErrAlreadyActive = errors.New("session already active")

	// ErrUnknownSession indicates an operation on a name with no active session, or a start whose
	// parent name does not resolve to an active session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrEngineRejected indicates the engine refused a create or enqueue request.
	ErrEngineRejected = errors.New("engine rejected request")

	// ErrAlreadyListening is returned by Listen on a connected session when the manager was
	// created WithStrictListen.
	ErrAlreadyListening = errors.New("session already has a listener")

	// ErrInvalidName indicates an empty session name.
	ErrInvalidName = errors.New("invalid session name")

	// ErrNilSink indicates Listen was called without a sink.
	ErrNilSink = errors.New("nil sink")
)

// Error describes a failed Manager operation on a named session.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, name string, err error) error {
	return &Error{Op: op, Name: name, Err: err}
}

// rejected marks an engine failure so it matches both ErrEngineRejected and the engine's own
// sentinel.
func rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrEngineRejected, err)
}
