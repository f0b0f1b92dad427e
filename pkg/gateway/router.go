package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/lightmux/internal/observability"
	"github.com/harun/lightmux/internal/tracing"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RequestHandler handles one RPC method. Returning an *RPCError selects the response code;
// any other error is reported as InternalError.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// RPCRouter maps method names to handlers.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler

	replay *replayCache
}

// NewRPCRouter creates a router whose idempotency keys are honoured for five minutes.
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replay:  newReplayCache(5 * time.Minute),
	}
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.methods, name)
}

// ParseRequest decodes a request frame. Numeric ids are accepted and carried as their decimal
// text so responses echo what the client sent.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	if !gjson.ValidBytes(data) {
		return nil, &RPCError{Code: ParseError, Message: "Parse error"}
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: expected an object"}
	}

	if id := gjson.GetBytes(data, "id"); id.Type == gjson.Number {
		patched, err := sjson.SetBytes(data, "id", id.Raw)
		if err != nil {
			return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		data = patched
	}

	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req. A request with an idempotency key that already
// succeeded for the same client and method gets the earlier result without running again;
// failures are never replayed.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", InvalidRequest, "invalid request")
	}

	key := replayKey(tracing.GetClientID(ctx), req.Method, req.IdempotencyKey)
	if key != "" {
		if result, ok := r.replay.get(key); ok {
			return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		observability.RecordGatewayRequest("unknown", false)
		return errorResponse(req.ID, MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	result, err := handler(ctx, req.Params)
	observability.RecordGatewayRequest(req.Method, err == nil)

	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			errCopy := *rpcErr
			return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: &errCopy}
		}
		return errorResponse(req.ID, InternalError, err.Error())
	}

	if key != "" {
		r.replay.put(key, result)
	}
	return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[name]
	return exists
}

// Methods returns the registered method names, sorted.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	r.mu.RUnlock()

	sort.Strings(methods)
	return methods
}

func errorResponse(id string, code int, message string) *RPCResponse {
	return &RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
}
