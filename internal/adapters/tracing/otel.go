package tracing

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/prompt"
)

const instrumentationName = "promptloop/optimizer"

// InitTracer installs a global tracer provider that writes spans to w as
// JSON. A nil w means stdout.
func InitTracer(serviceName string, w io.Writer) (func(context.Context) error, error) {
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Listener turns a run into a root span with one child span per refinement
// attempt. Loop events become span events.
type Listener struct {
	tracer trace.Tracer

	mu    sync.Mutex
	runs  map[string]trace.Span
	ctxs  map[string]context.Context
	steps map[string]trace.Span
}

// NewListener uses tp, or the global provider when tp is nil.
func NewListener(tp trace.TracerProvider) *Listener {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Listener{
		tracer: tp.Tracer(instrumentationName),
		runs:   make(map[string]trace.Span),
		ctxs:   make(map[string]context.Context),
		steps:  make(map[string]trace.Span),
	}
}

func (l *Listener) OnEvent(ctx context.Context, e models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch e.Type {
	case models.EventRunStarted:
		runCtx, span := l.tracer.Start(context.WithoutCancel(ctx), "optimization.run",
			trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(
				attribute.String("run.id", e.RunID),
				attribute.Int("prompt.version", e.PromptVersion),
			))
		l.runs[e.RunID] = span
		l.ctxs[e.RunID] = runCtx
		return nil

	case models.EventRefineProposed:
		l.endStep(e.RunID, nil)
		runCtx, ok := l.ctxs[e.RunID]
		if !ok {
			return nil
		}
		_, span := l.tracer.Start(runCtx, "optimization.attempt",
			trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(eventAttributes(e)...))
		l.steps[e.RunID] = span
		return nil

	case models.EventRunCompleted:
		l.endStep(e.RunID, nil)
		span, ok := l.runs[e.RunID]
		if !ok {
			return nil
		}
		span.SetAttributes(
			attribute.String("run.status", string(e.Status)),
			attribute.Int("run.iterations", e.Iteration),
			attribute.Int("prompt.version", e.PromptVersion),
		)
		if e.Status == models.RunStatusFailed {
			span.SetStatus(codes.Error, e.Reason)
		}
		span.End(trace.WithTimestamp(e.Timestamp))
		delete(l.runs, e.RunID)
		delete(l.ctxs, e.RunID)
		return nil
	}

	target := l.steps[e.RunID]
	if target == nil {
		target = l.runs[e.RunID]
	}
	if target == nil {
		return nil
	}
	target.AddEvent(string(e.Type), trace.WithTimestamp(e.Timestamp), trace.WithAttributes(eventAttributes(e)...))

	switch e.Type {
	case models.EventMergeFailed:
		l.endStep(e.RunID, fmt.Errorf("merge failed: %s", e.Reason))
	case models.EventValidationRejected:
		l.endStep(e.RunID, nil)
	case models.EventCommitted:
		l.endStep(e.RunID, nil)
	}
	return nil
}

func (l *Listener) endStep(runID string, err error) {
	span, ok := l.steps[runID]
	if !ok {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	delete(l.steps, runID)
}

func eventAttributes(e models.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("prompt.version", e.PromptVersion),
		attribute.Int("iteration", e.Iteration),
	}
	if e.ExampleID != "" {
		attrs = append(attrs, attribute.String("example.id", e.ExampleID))
	}
	if len(e.ExampleIDs) > 0 {
		attrs = append(attrs, attribute.StringSlice("example.ids", e.ExampleIDs))
	}
	if e.Attempt > 0 {
		attrs = append(attrs, attribute.Int("attempt", e.Attempt))
	}
	if e.Patch != nil {
		attrs = append(attrs,
			attribute.String("patch.block", e.Patch.TargetBlock),
			attribute.String("patch.operation", string(e.Patch.Operation)),
		)
	}
	if e.Summary != nil {
		attrs = append(attrs,
			attribute.Int("eval.passed", e.Summary.Passed),
			attribute.Int("eval.total", e.Summary.Total),
		)
	}
	if e.Validation != nil {
		attrs = append(attrs,
			attribute.String("validation.strategy", e.Validation.Strategy),
			attribute.Int("validation.regressions", len(e.Validation.Regressions)),
			attribute.Float64("validation.score", e.Validation.Score),
		)
	}
	if e.Reason != "" {
		attrs = append(attrs, attribute.String("reason", e.Reason))
	}
	return attrs
}

// PredictTracer adapts an otel tracer to the refiner predictor's tracing hook.
type PredictTracer struct {
	tracer trace.Tracer
}

var _ prompt.Tracer = (*PredictTracer)(nil)

func NewPredictTracer(tp trace.TracerProvider) *PredictTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &PredictTracer{tracer: tp.Tracer("promptloop/refiner")}
}

func (t *PredictTracer) StartSpan(ctx context.Context, name string) (context.Context, prompt.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, otelSpan{span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprint(v)))
	}
}
