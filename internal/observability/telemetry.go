// Package observability sets up OpenTelemetry tracing for calls to the
// marketplace backend.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool
	Endpoint    string  // localhost:4318
	ServiceName string  // decormarket-api
	SampleRate  float64 // 0.0 to 1.0
}

type provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

var (
	mu     sync.RWMutex
	global = &provider{tracer: noop.NewTracerProvider().Tracer("")}

	propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
)

// Init installs the global tracer. With tracing disabled every span is a no-op.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		setProvider(&provider{tracer: noop.NewTracerProvider().Tracer("")})
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	setProvider(&provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)})
	return nil
}

// UseTracerProvider routes spans to tp. nil restores the no-op tracer.
func UseTracerProvider(tp *sdktrace.TracerProvider) {
	if tp == nil {
		setProvider(&provider{tracer: noop.NewTracerProvider().Tracer("")})
		return
	}
	setProvider(&provider{tp: tp, tracer: tp.Tracer("decormarket")})
}

func setProvider(p *provider) {
	mu.Lock()
	defer mu.Unlock()
	global = p
}

// Shutdown flushes pending spans
func Shutdown(ctx context.Context) error {
	mu.RLock()
	tp := global.tp
	mu.RUnlock()
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

// Tracer returns the global tracer
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return global.tracer
}

// Span attribute keys
var (
	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
	AttrPath       = attribute.Key("decormarket.path")
	AttrFetched    = attribute.Key("decormarket.cache.fetched")
)

// StartSpan creates an internal span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a span for an outgoing request
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHeaders writes the trace context of ctx into h
func InjectHeaders(ctx context.Context, h http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(h))
}
