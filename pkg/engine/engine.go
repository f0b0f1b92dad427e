package engine

import (
	"context"
	"errors"
	"strconv"
)

// ID identifies a session inside the engine. Values are unique among the sessions currently alive
// in one engine instance.
type ID uint64

// String returns the decimal form of the id.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Sentinel errors reported by engines and the Handle.
var (
	// ErrUnknownID indicates an operation on an id the engine does not know (never issued or
	// already destroyed).
	ErrUnknownID = errors.New("engine: unknown session id")

	// ErrQueueClosed is returned by ResponseQueue.Next once the session has been destroyed.
	ErrQueueClosed = errors.New("engine: response queue closed")

	// ErrClogged indicates the session's response queue is saturated and the request was refused.
	ErrClogged = errors.New("engine: response queue clogged")

	// ErrInvalidSpec indicates a malformed chain specification.
	ErrInvalidSpec = errors.New("engine: invalid chain specification")

	// ErrInvalidRequest indicates a payload that is not a JSON-RPC request.
	ErrInvalidRequest = errors.New("engine: invalid json-rpc request")

	// ErrResourceLimit indicates the engine refused to allocate another session.
	ErrResourceLimit = errors.New("engine: resource limit reached")

	// ErrMissingParent indicates a specification that depends on a parent session which was not
	// supplied or is not known to the engine.
	ErrMissingParent = errors.New("engine: unresolvable parent dependency")
)

// ResponseQueue is the ordered stream of responses the engine produces for one session.
type ResponseQueue interface {
	// Next blocks until a response is available, the queue is closed or ctx is done.
	// Responses are returned in arrival order. Once the session is destroyed Next reports
	// ErrQueueClosed and undelivered responses are discarded.
	Next(ctx context.Context) (string, error)
}

// Engine is the external collaborator that performs connection and synchronization work.
// Implementations need not be safe for concurrent mutation; Handle serializes all calls.
type Engine interface {
	// AddSession creates a session from a chain specification and an opaque database blob.
	// parent is nil for sessions without a parent dependency.
	AddSession(spec string, database []byte, parent *ID) (ID, ResponseQueue, error)

	// RemoveSession destroys the session and closes its response queue.
	RemoveSession(id ID) error

	// Enqueue queues a JSON-RPC request. It must not wait for the response.
	Enqueue(id ID, payload string) error
}
