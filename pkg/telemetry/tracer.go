package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openfroyo/buildlauncher/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer with build-specific spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName), config: cfg}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName), config: cfg}, nil
}

// NewTracerWithExporter creates a tracer that exports every span
// synchronously to exporter.
func NewTracerWithExporter(exporter sdktrace.SpanExporter, serviceName string) *Tracer {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exporter),
	)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   TracingConfig{Enabled: true, SamplingRate: 1},
	}
}

func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartBuildSpan starts the span covering one launcher invocation.
func (t *Tracer) StartBuildSpan(ctx context.Context, build *engine.Build) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "build "+build.Name, trace.WithAttributes(
		AttrBuildID.String(build.ID),
		AttrBuildName.String(build.Name),
		AttrBuildRoot.Bool(build.IsRoot()),
		AttrProjectDir.String(build.StartParameter.ProjectDir),
	))
}

// StartPhaseSpan starts a span for one lifecycle phase.
func (t *Tracer) StartPhaseSpan(ctx context.Context, build *engine.Build, tag engine.PhaseTag) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "phase "+string(tag), trace.WithAttributes(
		AttrBuildName.String(build.Name),
		AttrPhase.String(string(tag)),
	))
}

// StartTaskSpan starts a span for one task action.
func (t *Tracer) StartTaskSpan(ctx context.Context, build *engine.Build, task *engine.Task) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "task "+task.Path.String(), trace.WithAttributes(
		AttrBuildName.String(build.Name),
		AttrTaskPath.String(task.Path.String()),
		AttrProject.String(task.Project),
	))
}

// RecordError records an error on the span, with its engine class and code.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if class := engine.ClassOf(err); class != "" {
		span.SetAttributes(AttrErrorClass.String(string(class)))
	}
	if code := engine.CodeOf(err); code != "" {
		span.SetAttributes(AttrErrorCode.String(code))
	}
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End records the outcome of the span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush exports all pending spans immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys of build spans.
var (
	AttrBuildID    = attribute.Key("build.id")
	AttrBuildName  = attribute.Key("build.name")
	AttrBuildRoot  = attribute.Key("build.root")
	AttrProjectDir = attribute.Key("build.project_dir")
	AttrPhase      = attribute.Key("build.phase")

	AttrTaskPath  = attribute.Key("task.path")
	AttrTaskState = attribute.Key("task.state")
	AttrProject   = attribute.Key("task.project")

	AttrErrorClass = attribute.Key("error.class")
	AttrErrorCode  = attribute.Key("error.code")
)
