// Package tracing records one OpenTelemetry trace per computer use session.
//
// When tracing is disabled the provider is a no-op and no recorder is wired
// into the orchestrator.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/upb/computer-use-api/config"
)

// TracerName is the instrumentation scope of session traces
const TracerName = "computer-use-api/session"

// SpanName names the root span of a session
const SpanName = "computer_use_session"

// Span attribute keys
var (
	AttrTags    = attribute.Key("session.tags")
	AttrOutcome = attribute.Key("session.outcome")
	AttrReason  = attribute.Key("session.end_reason")
)

// ErrUnknownTrace is returned by End for ids that are not open
var ErrUnknownTrace = errors.New("unknown or already ended trace")

// Provider wraps the tracer provider with cleanup
type Provider struct {
	TracerProvider trace.TracerProvider
	Enabled        bool
	Exporter       string
	shutdown       func(context.Context) error
	flush          func(context.Context) error
}

// NewProvider sets up the tracer provider described by cfg.
// A disabled configuration returns a no-op provider.
func NewProvider(ctx context.Context, cfg config.TracingConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			TracerProvider: nooptrace.NewTracerProvider(),
			shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "computer-use-api"
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	return &Provider{
		TracerProvider: tp,
		Enabled:        true,
		Exporter:       cfg.Exporter,
		shutdown:       tp.Shutdown,
		flush:          tp.ForceFlush,
	}, nil
}

// Shutdown flushes and shuts down the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Check pushes buffered spans to the exporter, failing when it is unreachable
func (p *Provider) Check(ctx context.Context) error {
	if p.flush == nil {
		return nil
	}
	if err := p.flush(ctx); err != nil {
		return fmt.Errorf("flush spans: %w", err)
	}
	return nil
}

func createExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case config.TraceExporterStdout, "":
		return stdouttrace.New()
	case config.TraceExporterOTLP:
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: stdout, otlp)", cfg.Exporter)
	}
}

// Recorder keeps the open root span of every running session
type Recorder struct {
	tracer trace.Tracer
	logger *zap.Logger

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewRecorder creates a recorder on top of tp
func NewRecorder(tp trace.TracerProvider, logger *zap.Logger) *Recorder {
	return &Recorder{
		tracer: tp.Tracer(TracerName),
		logger: logger,
		spans:  make(map[string]trace.Span),
	}
}

// Begin opens a new root span and returns its trace id
func (r *Recorder) Begin(ctx context.Context, tags []string) (string, error) {
	_, span := r.tracer.Start(ctx, SpanName,
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrTags.StringSlice(tags)),
	)

	sc := span.SpanContext()
	if !sc.HasTraceID() {
		span.End()
		return "", errors.New("tracer produced no trace id")
	}

	traceID := sc.TraceID().String()

	r.mu.Lock()
	r.spans[traceID] = span
	r.mu.Unlock()

	return traceID, nil
}

// End closes the span of traceID with outcome and an optional reason
func (r *Recorder) End(ctx context.Context, traceID, outcome, reason string) error {
	r.mu.Lock()
	span, ok := r.spans[traceID]
	delete(r.spans, traceID)
	r.mu.Unlock()

	if !ok {
		return ErrUnknownTrace
	}

	span.SetAttributes(AttrOutcome.String(outcome))
	if reason != "" {
		span.SetAttributes(AttrReason.String(reason))
	}
	if outcome == "success" {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, reason)
	}
	span.End()

	return nil
}

// Open returns the number of spans that were begun and not yet ended
func (r *Recorder) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

// Close ends every span still open, e.g. on shutdown
func (r *Recorder) Close() {
	r.mu.Lock()
	spans := r.spans
	r.spans = make(map[string]trace.Span)
	r.mu.Unlock()

	for traceID, span := range spans {
		span.SetStatus(codes.Error, "shutdown")
		span.End()
		r.logger.Warn("ended trace on shutdown", zap.String("trace_id", traceID))
	}
}
