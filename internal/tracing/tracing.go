// Package tracing wires the controller's W3C trace-context propagation and
// OTel span emission. Grounded on go-lynx-lynx's plug/tracer package
// (tracer provider construction, batcher, resource attributes), adapted
// from its Jaeger-only exporter to a console-default / OTLP-when-configured
// exporter pair.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the configured TracerProvider and propagator.
type Provider struct {
	tp         *sdktrace.TracerProvider
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
}

// New builds a Provider. If otlpEndpoint is empty, spans are written to
// stdout; otherwise they're shipped via OTLP/HTTP to otlpEndpoint
// (OTEL_EXPORTER_OTLP_ENDPOINT).
func New(ctx context.Context, serviceName, otlpEndpoint string) (*Provider, error) {
	exporter, err := newExporter(ctx, otlpEndpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	propagator := propagation.TraceContext{}
	otel.SetTextMapPropagator(propagator)

	return &Provider{tp: tp, propagator: propagator, tracer: tp.Tracer(serviceName)}, nil
}

func newExporter(ctx context.Context, otlpEndpoint string) (sdktrace.SpanExporter, error) {
	if otlpEndpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(otlpEndpoint))
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Middleware continues an inbound W3C traceparent (or starts a new trace),
// opens a span named "controller.<endpoint>", and attaches it to the
// request context for handlers to annotate with worker_id/capability/
// outcome attributes.
func (p *Provider) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := p.tracer.Start(ctx, "controller."+endpoint)
			defer span.End()
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// Annotate attaches worker_id/capability/outcome attributes to the span
// active on ctx, if any.
func Annotate(ctx context.Context, workerID, capabilityKey, outcome string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if workerID != "" {
		span.SetAttributes(attribute.String("worker_id", workerID))
	}
	if capabilityKey != "" {
		span.SetAttributes(attribute.String("capability", capabilityKey))
	}
	if outcome != "" {
		span.SetAttributes(attribute.String("outcome", outcome))
	}
}

// MarkError marks the active span as errored, for Internal failures.
func MarkError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
