package telemetry

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsawler/go-adversarial/engine"
	"github.com/tsawler/go-adversarial/training"
)

// TracerName is the instrumentation scope of the spans TraceHandler creates.
const TracerName = "github.com/tsawler/go-adversarial/telemetry"

// Span names.
const (
	SpanRun       = "training.run"
	SpanEpoch     = "training.epoch"
	SpanIteration = "training.iteration"
)

// TraceHandler turns an engine run into a span tree: one run span, one
// child span per epoch and one grandchild per iteration. Every other
// registered event that fires inside an iteration, the adversarial step
// events included, becomes a span event on the iteration span.
type TraceHandler struct {
	tracer trace.Tracer

	runCtx   context.Context
	epochCtx context.Context

	run   trace.Span
	epoch trace.Span
	iter  trace.Span
}

// NewTraceHandler creates a handler recording to tp. A nil tp uses the
// global provider installed by Setup.
func NewTraceHandler(tp trace.TracerProvider) *TraceHandler {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TraceHandler{tracer: tp.Tracer(TracerName)}
}

// Attach implements engine.Handler.
func (h *TraceHandler) Attach(e *engine.Engine) error {
	lifecycle := map[engine.Event]engine.EventHandler{
		engine.Started:            h.started,
		engine.EpochStarted:       h.epochStarted,
		engine.IterationStarted:   h.iterationStarted,
		engine.IterationCompleted: h.iterationCompleted,
		engine.EpochCompleted:     h.epochCompleted,
		engine.Completed:          h.completed,
		engine.ExceptionRaised:    h.exceptionRaised,
	}
	for _, ev := range engine.BuiltinEvents {
		if fn, ok := lifecycle[ev]; ok {
			if err := e.On(ev, fn); err != nil {
				return err
			}
		}
	}

	for _, ev := range e.RegisteredEvents() {
		if isBuiltin(ev) {
			continue
		}
		ev := ev
		if err := e.On(ev, func(context.Context, *engine.Engine) error {
			if h.iter != nil {
				h.iter.AddEvent(string(ev))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func isBuiltin(ev engine.Event) bool {
	for _, b := range engine.BuiltinEvents {
		if b == ev {
			return true
		}
	}
	return false
}

func (h *TraceHandler) started(ctx context.Context, e *engine.Engine) error {
	s := e.State()
	h.runCtx, h.run = h.tracer.Start(ctx, SpanRun, trace.WithAttributes(
		attribute.Int("training.max_epochs", s.MaxEpochs),
		attribute.Int("training.epoch_length", s.EpochLength),
		attribute.Int("training.start_epoch", s.Epoch),
		attribute.String("training.device", s.Device.String()),
	))
	return nil
}

func (h *TraceHandler) epochStarted(ctx context.Context, e *engine.Engine) error {
	parent := h.runCtx
	if parent == nil {
		parent = ctx
	}
	h.epochCtx, h.epoch = h.tracer.Start(parent, SpanEpoch, trace.WithAttributes(
		attribute.Int("training.epoch", e.State().Epoch),
	))
	return nil
}

func (h *TraceHandler) iterationStarted(ctx context.Context, e *engine.Engine) error {
	parent := h.epochCtx
	if parent == nil {
		parent = ctx
	}
	s := e.State()
	_, h.iter = h.tracer.Start(parent, SpanIteration, trace.WithAttributes(
		attribute.Int("training.epoch", s.Epoch),
		attribute.Int("training.iteration", s.Iteration),
	))
	return nil
}

func (h *TraceHandler) iterationCompleted(ctx context.Context, e *engine.Engine) error {
	if h.iter == nil {
		return nil
	}
	if out, ok := e.State().Output.(training.Output); ok {
		for _, key := range []string{
			training.KeyLoss,
			training.KeyReconstructionLoss,
			training.KeyGeneratorLoss,
			training.KeyDiscriminatorLoss,
		} {
			if v, ok := out.Scalar(key); ok {
				h.iter.SetAttributes(attribute.Float64("training."+key, v))
			}
		}
	}
	h.iter.End()
	h.iter = nil
	return nil
}

func (h *TraceHandler) epochCompleted(ctx context.Context, e *engine.Engine) error {
	if h.epoch == nil {
		return nil
	}
	s := e.State()
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.epoch.SetAttributes(attribute.Float64("training.metric."+name, s.Metrics[name]))
	}
	h.epoch.End()
	h.epoch, h.epochCtx = nil, nil
	return nil
}

func (h *TraceHandler) completed(ctx context.Context, e *engine.Engine) error {
	if h.run == nil {
		return nil
	}
	s := e.State()
	h.run.SetAttributes(
		attribute.Int("training.epoch", s.Epoch),
		attribute.Int("training.iteration", s.Iteration),
	)
	if s.BestMetricEpoch >= 0 {
		h.run.SetAttributes(
			attribute.Float64("training.best_metric", s.BestMetric),
			attribute.Int("training.best_metric_epoch", s.BestMetricEpoch),
		)
	}
	h.run.SetStatus(codes.Ok, "")
	h.run.End()
	h.run, h.runCtx = nil, nil
	return nil
}

// exceptionRaised marks every open span as failed and closes it, innermost
// first.
func (h *TraceHandler) exceptionRaised(ctx context.Context, e *engine.Engine) error {
	err := e.State().Err
	for _, span := range []trace.Span{h.iter, h.epoch, h.run} {
		if span == nil {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	h.iter, h.epoch, h.run = nil, nil, nil
	h.epochCtx, h.runCtx = nil, nil
	return nil
}
