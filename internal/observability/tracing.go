package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "weaver"

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps OpenTelemetry tracer
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider. When tracing is
// enabled it also installs itself as the global provider, so spans
// opened through StartSpan start being exported.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		// Return noop tracer
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer(tracerName),
		}, nil
	}

	// Default service name
	if config.ServiceName == "" {
		config.ServiceName = "weaver"
	}

	// Default sample rate
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Create resource
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create trace provider
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(tracerName),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan opens a span on the globally installed provider. Engine
// code traces unconditionally; until a real provider is installed
// these are no-op spans.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanExecutionRun  = "weaver.execution.run"
	SpanTaskExecute   = "weaver.task.execute"
	SpanSchedulerFire = "weaver.scheduler.fire"
)

// Common attribute keys
const (
	AttrExecutionID     = "weaver.execution_id"
	AttrWorkflowID      = "weaver.workflow_id"
	AttrWorkflowVersion = "weaver.workflow_version"
	AttrOrigin          = "weaver.origin"
	AttrTask            = "weaver.task"
	AttrAgent           = "weaver.agent"
	AttrAction          = "weaver.action"
	AttrAttempt         = "weaver.attempt"
	AttrSlot            = "weaver.slot"
	AttrStatus          = "weaver.status"
	AttrErrorKind       = "weaver.error_kind"
	AttrError           = "weaver.error"
)

// Helper functions to add common attributes

// ExecutionAttrs identifies one workflow run.
func ExecutionAttrs(executionID, workflowID string, version int, origin string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrExecutionID, executionID),
		attribute.String(AttrWorkflowID, workflowID),
		attribute.Int(AttrWorkflowVersion, version),
		attribute.String(AttrOrigin, origin),
	}
}

// TaskAttrs identifies one task dispatch.
func TaskAttrs(task, agentType, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTask, task),
		attribute.String(AttrAgent, agentType),
		attribute.String(AttrAction, action),
	}
}

// ScheduleAttrs identifies one cron fire slot.
func ScheduleAttrs(workflowID, slot string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrSlot, slot),
	}
}

// StatusAttrs records the terminal status on a span.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// OutcomeAttrs records how a task attempt ended.
func OutcomeAttrs(status string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
		attribute.Int(AttrAttempt, attempt),
	}
}

// FailureAttrs records a classified failure on a span.
func FailureAttrs(kind, message string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String(AttrErrorKind, kind),
		attribute.String("error.message", message),
	}
}

// ErrorAttrs creates error attributes
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
