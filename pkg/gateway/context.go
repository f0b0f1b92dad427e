package gateway

import (
	"context"

	"github.com/harun/lightmux/internal/tracing"
)

// requestContext carries the trace, client and request ids a handler logs with. clientID is
// empty for HTTP requests.
func requestContext(parent context.Context, traceID, clientID, requestID string) context.Context {
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.NewContext(parent, &tracing.TraceContext{
		TraceID:   traceID,
		ClientID:  clientID,
		RequestID: requestID,
	})
}
