// Package tracing wires OpenTelemetry: one server span per request, with
// trace context propagated to HTTP backends.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wudi/apigw/internal/config"
	"github.com/wudi/apigw/internal/execution"
)

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Tracer opens request spans. A disabled Tracer produces non-recording spans.
type Tracer struct {
	enabled  bool
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New creates a Tracer exporting over OTLP/gRPC when cfg.Enabled.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "apigw"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	ctx := context.Background()

	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)

	t := NewWithProvider(provider)
	t.provider = provider
	return t, nil
}

// NewWithProvider creates an enabled Tracer over tp.
func NewWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{enabled: true, tracer: tp.Tracer("apigw")}
}

// Disabled returns a Tracer producing non-recording spans.
func Disabled() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("apigw")}
}

func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// Start opens the server span of req, continuing the trace of the client
// when its headers carry one.
func (t *Tracer) Start(ctx context.Context, req *execution.Request) (context.Context, trace.Span) {
	if t.enabled {
		ctx = propagator.Extract(ctx, propagation.HeaderCarrier(req.Headers))
	}
	return t.tracer.Start(ctx, req.Method+" "+req.ContextPath,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLPath(req.Path),
			semconv.ServerAddress(req.Host),
		),
	)
}

// End records the final state of the request on span and ends it.
func End(span trace.Span, m *execution.Metrics) {
	span.SetAttributes(
		attribute.Int("http.response.status_code", m.Status),
		attribute.String("gateway.api", m.APIID),
	)
	if m.Plan != "" {
		span.SetAttributes(attribute.String("gateway.plan", m.Plan))
	}
	if m.Endpoint != "" {
		span.SetAttributes(attribute.String("gateway.endpoint", m.Endpoint))
	}
	if m.ErrorKey != "" {
		span.SetAttributes(attribute.String("gateway.error.key", m.ErrorKey))
	}
	if m.Status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(m.Status))
	}
	span.End()
}

// Inject writes the trace context of ctx into outgoing request headers.
func Inject(ctx context.Context, h http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// Close flushes and shuts down the exporter.
func (t *Tracer) Close() error {
	if t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}
