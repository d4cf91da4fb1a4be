package prompt

import (
	"context"
	"fmt"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/XiaoConstantine/dspy-go/pkg/modules"
)

// Predict wraps a dspy-go Predict module with optional tracing.
type Predict struct {
	*modules.Predict
	name   string
	tracer Tracer
}

// Option configures a Predict module
type Option func(*Predict)

// WithTracer sets a tracer for the module
func WithTracer(tracer Tracer) Option {
	return func(p *Predict) {
		p.tracer = tracer
	}
}

// WithLLM binds the module to a specific model instead of the dspy-go default.
func WithLLM(llm core.LLM) Option {
	return func(p *Predict) {
		p.Predict.SetLLM(llm)
	}
}

// NewPredict creates a Predict module for sig.
func NewPredict(sig Signature, opts ...Option) *Predict {
	p := &Predict{
		Predict: modules.NewPredict(sig.Signature),
		name:    sig.Name,
		tracer:  NoOpTracer{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewRefinerPredictor returns the predictor the refiner uses in production.
func NewRefinerPredictor(llm core.LLM, opts ...Option) *Predict {
	return NewPredict(RefinerSignature, append([]Option{WithLLM(llm)}, opts...)...)
}

// Process executes the prediction inside a span
func (p *Predict) Process(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	ctx, span := p.tracer.StartSpan(ctx, "predict "+p.name)
	defer span.End()

	outputs, err := p.Predict.Process(ctx, inputs)
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("predict process failed: %w", err)
	}
	span.SetAttribute("outputs", len(outputs))
	return outputs, nil
}

// Tracer defines the interface for tracing module execution
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Span represents a traced execution span
type Span interface {
	End()
	SetError(err error)
	SetAttribute(key string, value any)
}

// NoOpTracer is a tracer that does nothing
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}

// NoOpSpan is a span that does nothing
type NoOpSpan struct{}

func (NoOpSpan) End()                               {}
func (NoOpSpan) SetError(err error)                 {}
func (NoOpSpan) SetAttribute(key string, value any) {}
