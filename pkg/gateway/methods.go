package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/lightmux/internal/tracing"
	"github.com/harun/lightmux/pkg/session"
	"github.com/tidwall/gjson"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("session.start", s.handleSessionStart)
	_ = s.RegisterMethod("session.stop", s.handleSessionStop)
	_ = s.RegisterMethod("session.send", s.handleSessionSend)
	_ = s.RegisterMethod("session.listen", s.handleSessionListen)
	_ = s.RegisterMethod("session.list", s.handleSessionList)
	_ = s.RegisterMethod("gateway.clients", s.handleGatewayClients)

	if s.chains != nil {
		_ = s.RegisterMethod("chains.list", s.handleChainsList)
	}
	if s.logs != nil {
		_ = s.RegisterMethod("logs.subscribe", s.handleLogsSubscribe)
		_ = s.RegisterMethod("logs.unsubscribe", s.handleLogsUnsubscribe)
	}
}

// handleSessionStart starts a session from an inline spec or a named chain.
//
// params: {"name", "spec" | "chain", "database"?, "parent"?}
func (s *Server) handleSessionStart(ctx context.Context, params json.RawMessage) (interface{}, error) {
	name, err := requireString(params, "name")
	if err != nil {
		return nil, err
	}

	fields := gjson.GetManyBytes(params, "spec", "chain", "database", "parent")
	spec, chain := fields[0], fields[1]

	var specText string
	switch {
	case spec.Exists() && chain.Exists():
		return nil, invalidParams("only one of spec or chain may be given")
	case spec.IsObject():
		specText = spec.Raw
	case spec.Type == gjson.String:
		specText = spec.String()
	case chain.Type == gjson.String:
		if s.chains == nil {
			return nil, invalidParams("chain names are not available")
		}
		specText, err = s.chains.Lookup(chain.String())
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
	default:
		return nil, invalidParams("spec or chain is required")
	}

	var database []byte
	if fields[2].Exists() {
		database = []byte(fields[2].String())
	}

	if err := s.sessions.Start(ctx, name, specText, database, fields[3].String()); err != nil {
		return nil, sessionError(err)
	}

	for _, info := range s.sessions.List() {
		if info.Name == name {
			return info, nil
		}
	}
	// Stopped again before we looked.
	return map[string]interface{}{"name": name}, nil
}

// params: {"name"}
func (s *Server) handleSessionStop(ctx context.Context, params json.RawMessage) (interface{}, error) {
	name, err := requireString(params, "name")
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Stop(ctx, name); err != nil {
		return nil, sessionError(err)
	}
	return map[string]interface{}{"stopped": true}, nil
}

// params: {"name", "request"} where request is a JSON-RPC object or its text.
func (s *Server) handleSessionSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	name, err := requireString(params, "name")
	if err != nil {
		return nil, err
	}

	request := gjson.GetBytes(params, "request")
	var payload string
	switch {
	case request.IsObject():
		payload = request.Raw
	case request.Type == gjson.String:
		payload = request.String()
	default:
		return nil, invalidParams("request is required")
	}

	if err := s.sessions.Send(ctx, name, payload); err != nil {
		return nil, sessionError(err)
	}
	return map[string]interface{}{"queued": true}, nil
}

// handleSessionListen routes the session's responses to the calling client as session.response
// events, starting with any buffered before the call.
//
// params: {"name"}
func (s *Server) handleSessionListen(ctx context.Context, params json.RawMessage) (interface{}, error) {
	name, err := requireString(params, "name")
	if err != nil {
		return nil, err
	}

	clientID := tracing.GetClientID(ctx)
	if clientID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "session.listen requires a websocket connection"}
	}

	l, ok := s.reserveListener(name, clientID)
	if !ok {
		return nil, &RPCError{Code: SessionConflict, Message: fmt.Sprintf("session %q already has a listener", name)}
	}

	id, err := s.sessions.ListenID(ctx, name, l.sink)
	if err != nil {
		s.dropListener(l)
		return nil, sessionError(err)
	}
	s.activateListener(l, id)

	return map[string]interface{}{"listening": true}, nil
}

func (s *Server) handleSessionList(context.Context, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"sessions": s.sessions.List()}, nil
}

func (s *Server) handleGatewayClients(context.Context, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"clients": s.GetConnectedClients()}, nil
}

func (s *Server) handleChainsList(context.Context, json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"chains": s.chains.Names()}, nil
}

func (s *Server) handleLogsSubscribe(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	clientID := tracing.GetClientID(ctx)
	if clientID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "logs.subscribe requires a websocket connection"}
	}
	s.subscribeLogs(clientID)
	return map[string]interface{}{"subscribed": true}, nil
}

func (s *Server) handleLogsUnsubscribe(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"unsubscribed": s.unsubscribeLogs(tracing.GetClientID(ctx))}, nil
}

func requireString(params json.RawMessage, key string) (string, error) {
	v := gjson.GetBytes(params, key)
	if v.Type != gjson.String || v.String() == "" {
		return "", invalidParams(fmt.Sprintf("%s is required and must be a non-empty string", key))
	}
	return v.String(), nil
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}

// sessionError maps manager errors onto RPC error codes.
func sessionError(err error) *RPCError {
	code := InternalError
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		code = SessionNotFound
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrAlreadyListening):
		code = SessionConflict
	case errors.Is(err, session.ErrEngineRejected):
		code = EngineRejected
	case errors.Is(err, session.ErrInvalidName), errors.Is(err, session.ErrNilSink):
		code = InvalidParams
	}
	return &RPCError{Code: code, Message: err.Error()}
}
