package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// sessionTracing holds the provider behind session.start, session.send and the other manager
// spans. It is installed once per process.
var sessionTracing struct {
	once sync.Once
	mu   sync.RWMutex
	tp   *sdktrace.TracerProvider
	err  error
}

// InitOpenTelemetry makes session operations traceable under a lightmux service resource named
// serviceName at serviceVersion. Repeated calls keep the first provider and return its error.
func InitOpenTelemetry(serviceName, serviceVersion string) error {
	sessionTracing.once.Do(func() {
		tp, err := newSessionProvider(serviceName, serviceVersion)
		if err != nil {
			sessionTracing.err = err
			return
		}

		sessionTracing.mu.Lock()
		sessionTracing.tp = tp
		sessionTracing.mu.Unlock()

		otel.SetTracerProvider(tp)
	})
	return sessionTracing.err
}

func newSessionProvider(serviceName, serviceVersion string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, err
	}

	// Every session span is recorded unless a remote parent says otherwise.
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	), nil
}

// ShutdownOpenTelemetry flushes pending session spans. It is a no-op when tracing was never
// initialized.
func ShutdownOpenTelemetry(ctx context.Context) error {
	sessionTracing.mu.RLock()
	tp := sessionTracing.tp
	sessionTracing.mu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span for one session operation. The gateway client and request that caused
// it are attached as attributes, and a context without a trace id adopts the span's so the
// operation's log lines carry it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName,
		trace.WithAttributes(append(attrs, callerAttributes(ctx)...)...))

	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

func callerAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if id := GetClientID(ctx); id != "" {
		attrs = append(attrs, attribute.String("lightmux.client_id", id))
	}
	if id := GetRequestID(ctx); id != "" {
		attrs = append(attrs, attribute.String("lightmux.request_id", id))
	}
	return attrs
}
