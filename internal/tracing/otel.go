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

const (
	// defaultServiceName identifies spans when the daemon does not pass one.
	defaultServiceName = "relay"

	serviceVersion = "0.1.0"
)

var (
	setupOnce sync.Once
	setupMu   sync.RWMutex
	traceProv *sdktrace.TracerProvider
	setupErr  error
)

// InitOpenTelemetry installs the process-wide tracer provider. Every span
// started through StartSpan after this call samples at full rate under the
// given service identity. Repeat calls are no-ops returning the first error.
func InitOpenTelemetry(serviceName string) error {
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	setupOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(serviceVersion),
			),
		)
		if err != nil {
			setupErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
			sdktrace.WithResource(res),
		)

		setupMu.Lock()
		traceProv = tp
		setupMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return setupErr
}

// ShutdownOpenTelemetry flushes pending spans and tears the provider down.
// Called by the daemon during ordered shutdown; safe before Init.
func ShutdownOpenTelemetry(ctx context.Context) error {
	setupMu.RLock()
	tp := traceProv
	setupMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span carrying the run identity. Whatever chat, run and
// agent ids the context holds are stamped onto the span alongside the
// caller's attributes, and a missing trace id is backfilled from the span so
// LoggerFromContext picks it up downstream.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs = append(attrs, runAttributes(ctx)...)

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// runAttributes lifts the session identity out of the context so every span
// in a run is queryable by chat, run and agent id.
func runAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if chatID := GetChatID(ctx); chatID != "" {
		attrs = append(attrs, attribute.String("relay.chat_id", chatID))
	}
	if runID := GetRunID(ctx); runID != "" {
		attrs = append(attrs, attribute.String("relay.run_id", runID))
	}
	if agentID := GetAgentID(ctx); agentID != "" {
		attrs = append(attrs, attribute.String("relay.agent_id", agentID))
	}
	return attrs
}
