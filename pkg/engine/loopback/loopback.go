// Package loopback is an in-process engine that answers a small set of JSON-RPC methods locally.
// It validates chain specifications, enforces parent dependencies and queue back-pressure the
// way a real light client does, which makes it the default engine for the daemon and tests.
package loopback

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/lightmux/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/xeipuuv/gojsonschema"
)

// JSON-RPC error codes used in error responses.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

// Config holds loopback engine settings.
type Config struct {
	SystemName          string
	SystemVersion       string
	MaxSessions         int // 0 means unlimited
	MaxPendingResponses int // per session, 0 means unlimited
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SystemName:          "lightmux",
		SystemVersion:       "0.1.0",
		MaxSessions:         64,
		MaxPendingResponses: 128,
	}
}

type chain struct {
	id          engine.ID
	name        string
	chainID     string
	genesisHash string
	database    []byte
	parent      *engine.ID
	queue       *responseQueue
}

// Engine is the loopback implementation of engine.Engine.
type Engine struct {
	cfg          Config
	schemaLoader gojsonschema.JSONLoader
	logger       zerolog.Logger

	mu     sync.Mutex
	nextID engine.ID
	chains map[engine.ID]*chain
}

var _ engine.Engine = (*Engine)(nil)

// New creates a loopback engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:          cfg,
		schemaLoader: gojsonschema.NewStringLoader(ChainSpecSchema),
		logger:       log.Logger.With().Str("component", "loopback-engine").Logger(),
		chains:       make(map[engine.ID]*chain),
	}
}

// AddSession implements engine.Engine.
func (e *Engine) AddSession(spec string, database []byte, parent *engine.ID) (engine.ID, engine.ResponseQueue, error) {
	if err := e.validateSpec(spec); err != nil {
		return 0, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	relayChain := gjson.Get(spec, "relay_chain")
	if parent != nil {
		if _, ok := e.chains[*parent]; !ok {
			return 0, nil, fmt.Errorf("%w: parent %s is not a live session", engine.ErrMissingParent, *parent)
		}
	} else if relayChain.Exists() {
		return 0, nil, fmt.Errorf("%w: spec depends on relay chain %q", engine.ErrMissingParent, relayChain.String())
	}

	if e.cfg.MaxSessions > 0 && len(e.chains) >= e.cfg.MaxSessions {
		return 0, nil, fmt.Errorf("%w: %d sessions already active", engine.ErrResourceLimit, len(e.chains))
	}

	e.nextID++
	c := &chain{
		id:          e.nextID,
		name:        gjson.Get(spec, "name").String(),
		chainID:     gjson.Get(spec, "id").String(),
		genesisHash: genesisHash(spec),
		database:    append([]byte(nil), database...),
		queue:       newResponseQueue(e.cfg.MaxPendingResponses),
	}
	if parent != nil {
		p := *parent
		c.parent = &p
	}
	e.chains[c.id] = c

	e.logger.Debug().
		Stringer("engineId", c.id).
		Str("chain", c.chainID).
		Int("databaseBytes", len(database)).
		Msg("Chain added")

	return c.id, c.queue, nil
}

// RemoveSession implements engine.Engine.
func (e *Engine) RemoveSession(id engine.ID) error {
	e.mu.Lock()
	c, ok := e.chains[id]
	if ok {
		delete(e.chains, id)
	}
	e.mu.Unlock()

	if !ok {
		return engine.ErrUnknownID
	}
	c.queue.close()

	e.logger.Debug().Stringer("engineId", id).Str("chain", c.chainID).Msg("Chain removed")
	return nil
}

// Enqueue implements engine.Engine. The response is produced immediately and pushed onto the
// session's queue; a full queue refuses the request.
func (e *Engine) Enqueue(id engine.ID, payload string) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}

	if !gjson.Valid(payload) || !gjson.Parse(payload).IsObject() {
		return engine.ErrInvalidRequest
	}

	response, err := e.respond(c, payload)
	if err != nil {
		return err
	}
	return c.queue.push(response)
}

// Notify pushes an unsolicited message, such as a subscription notification, onto a session's
// response queue.
func (e *Engine) Notify(id engine.ID, message string) error {
	c, err := e.lookup(id)
	if err != nil {
		return err
	}
	return c.queue.push(message)
}

// Parent reports the parent a session was created with.
func (e *Engine) Parent(id engine.ID) (engine.ID, bool) {
	c, err := e.lookup(id)
	if err != nil || c.parent == nil {
		return 0, false
	}
	return *c.parent, true
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chains)
}

// Pending returns the number of undelivered responses for a session.
func (e *Engine) Pending(id engine.ID) int {
	c, err := e.lookup(id)
	if err != nil {
		return 0
	}
	return c.queue.Len()
}

func (e *Engine) lookup(id engine.ID) (*chain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.chains[id]
	if !ok {
		return nil, engine.ErrUnknownID
	}
	return c, nil
}

func (e *Engine) validateSpec(spec string) error {
	if !gjson.Valid(spec) {
		return fmt.Errorf("%w: not valid JSON", engine.ErrInvalidSpec)
	}

	result, err := gojsonschema.Validate(e.schemaLoader, gojsonschema.NewStringLoader(spec))
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidSpec, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %s", engine.ErrInvalidSpec, strings.Join(details, "; "))
	}
	return nil
}

func (e *Engine) respond(c *chain, payload string) (string, error) {
	resp := `{"jsonrpc":"2.0","id":null}`
	var err error

	if reqID := gjson.Get(payload, "id"); reqID.Exists() {
		if resp, err = sjson.SetRaw(resp, "id", reqID.Raw); err != nil {
			return "", fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
		}
	}

	method := gjson.Get(payload, "method")
	if !method.Exists() || method.Type != gjson.String {
		return withError(resp, codeInvalidRequest, "Invalid Request")
	}

	switch method.String() {
	case "system_name":
		return sjson.Set(resp, "result", e.cfg.SystemName)
	case "system_version":
		return sjson.Set(resp, "result", e.cfg.SystemVersion)
	case "system_chain", "chainSpec_v1_chainName":
		return sjson.Set(resp, "result", c.name)
	case "chainSpec_v1_genesisHash":
		return sjson.Set(resp, "result", c.genesisHash)
	case "chainHead_unstable_finalizedDatabase":
		return sjson.Set(resp, "result", string(c.database))
	case "rpc_methods":
		return sjson.Set(resp, "result.methods", supportedMethods)
	default:
		return withError(resp, codeMethodNotFound, "Method not found: "+method.String())
	}
}

var supportedMethods = []string{
	"chainHead_unstable_finalizedDatabase",
	"chainSpec_v1_chainName",
	"chainSpec_v1_genesisHash",
	"rpc_methods",
	"system_chain",
	"system_name",
	"system_version",
}

func withError(resp string, code int, message string) (string, error) {
	resp, err := sjson.Set(resp, "error.code", code)
	if err != nil {
		return "", err
	}
	return sjson.Set(resp, "error.message", message)
}

func genesisHash(spec string) string {
	raw := gjson.Get(spec, "genesis").Raw
	if raw == "" {
		raw = gjson.Get(spec, "id").Raw
	}
	sum := sha256.Sum256([]byte(raw))
	return "0x" + hex.EncodeToString(sum[:])
}
