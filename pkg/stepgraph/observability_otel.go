package stepgraph

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver implements Observer using OpenTelemetry for traces and metrics.
// Each batch pass becomes a span, with one child span per executed step.
//
// Example:
//
//	tracer := otel.Tracer("stepgraph")
//	meter := otel.Meter("stepgraph")
//	observer, _ := stepgraph.NewOTelObserver(tracer, meter)
//	op := stepgraph.NewOperationPlan(stepgraph.WithObserver(observer))
type OTelObserver struct {
	tracer trace.Tracer

	// live spans keyed by pass ID or spanKey
	spans sync.Map

	compileDuration   metric.Float64Histogram
	passDuration      metric.Float64Histogram
	stepDuration      metric.Float64Histogram
	stepsReplaced     metric.Int64Counter
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
	cacheCheckLatency metric.Float64Histogram
	cacheStoreErrors  metric.Int64Counter
	retries           metric.Int64Counter
	errors            metric.Int64Counter
}

type spanKey struct {
	passID string
	step   StepID
}

// NewOTelObserver creates an OpenTelemetry observer.
func NewOTelObserver(tracer trace.Tracer, meter metric.Meter) (*OTelObserver, error) {
	compileDuration, err := meter.Float64Histogram(
		"stepgraph.compile.duration",
		metric.WithDescription("Duration of plan compilation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile duration histogram: %w", err)
	}

	passDuration, err := meter.Float64Histogram(
		"stepgraph.pass.duration",
		metric.WithDescription("Duration of batch passes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pass duration histogram: %w", err)
	}

	stepDuration, err := meter.Float64Histogram(
		"stepgraph.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	stepsReplaced, err := meter.Int64Counter(
		"stepgraph.compile.replaced",
		metric.WithDescription("Number of steps replaced during compilation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replaced counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"stepgraph.cache.hits",
		metric.WithDescription("Number of fetch cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"stepgraph.cache.misses",
		metric.WithDescription("Number of fetch cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	cacheCheckLatency, err := meter.Float64Histogram(
		"stepgraph.cache.check_latency",
		metric.WithDescription("Latency of cache lookups in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache latency histogram: %w", err)
	}

	cacheStoreErrors, err := meter.Int64Counter(
		"stepgraph.cache.store_errors",
		metric.WithDescription("Number of failed fetch cache writes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache store errors counter: %w", err)
	}

	retries, err := meter.Int64Counter(
		"stepgraph.fetch.retries",
		metric.WithDescription("Number of fetch retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	errors, err := meter.Int64Counter(
		"stepgraph.step.errors",
		metric.WithDescription("Number of fatal step errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errors counter: %w", err)
	}

	return &OTelObserver{
		tracer:            tracer,
		compileDuration:   compileDuration,
		passDuration:      passDuration,
		stepDuration:      stepDuration,
		stepsReplaced:     stepsReplaced,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		cacheCheckLatency: cacheCheckLatency,
		cacheStoreErrors:  cacheStoreErrors,
		retries:           retries,
		errors:            errors,
	}, nil
}

func (o *OTelObserver) OnCompileStart(ctx context.Context, event *CompileStartEvent) {}

func (o *OTelObserver) OnCompileEnd(ctx context.Context, event *CompileEndEvent) {
	o.compileDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(
		attribute.Bool("success", event.Error == nil),
		attribute.Int("optimize_passes", event.OptimizePasses),
	))
}

func (o *OTelObserver) OnStepReplaced(ctx context.Context, event *StepReplacedEvent) {
	o.stepsReplaced.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", string(event.Reason)),
	))
}

func (o *OTelObserver) OnPassStart(ctx context.Context, event *PassStartEvent) {
	_, span := o.tracer.Start(ctx, "stepgraph.pass",
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("pass_id", event.PassID),
			attribute.Int("batch_size", event.BatchSize),
			attribute.Int("roots", event.Roots),
		),
	)
	o.spans.Store(event.PassID, span)
}

func (o *OTelObserver) OnPassEnd(ctx context.Context, event *PassEndEvent) {
	if v, ok := o.spans.LoadAndDelete(event.PassID); ok {
		endSpan(v.(trace.Span), event.Error)
	}

	o.passDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(
		attribute.Bool("success", event.Error == nil),
	))
}

func (o *OTelObserver) OnStepStart(ctx context.Context, event *StepStartEvent) {
	parent := ctx
	if v, ok := o.spans.Load(event.PassID); ok {
		parent = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	_, span := o.tracer.Start(parent, event.StepName,
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("pass_id", event.PassID),
			attribute.Int("step_id", int(event.StepID)),
			attribute.String("step_kind", event.StepKind),
			attribute.Int("count", event.Count),
			attribute.Bool("unbatched", event.Unbatched),
		),
	)
	o.spans.Store(spanKey{passID: event.PassID, step: event.StepID}, span)
}

func (o *OTelObserver) OnStepEnd(ctx context.Context, event *StepEndEvent) {
	if v, ok := o.spans.LoadAndDelete(spanKey{passID: event.PassID, step: event.StepID}); ok {
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.Int("error_values", event.ErrorValues),
			attribute.Bool("panicked", event.Panicked),
		)
		endSpan(span, event.Error)
	}

	attrs := []attribute.KeyValue{
		attribute.String("step_name", event.StepName),
		attribute.String("step_kind", event.StepKind),
		attribute.Bool("success", event.Error == nil),
		attribute.Bool("panicked", event.Panicked),
	}
	o.stepDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(attrs...))

	if event.Error != nil {
		o.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step_name", event.StepName),
		))
	}
}

func (o *OTelObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	attrs := []attribute.KeyValue{
		attribute.String("step_name", event.StepName),
		attribute.String("resource", event.Resource),
	}

	if event.Hit {
		o.cacheHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		o.cacheMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	o.cacheCheckLatency.Record(ctx, event.Latency.Seconds(), metric.WithAttributes(attrs...))

	if v, ok := o.spans.Load(event.PassID); ok {
		v.(trace.Span).AddEvent("cache_check", trace.WithAttributes(
			attribute.Bool("hit", event.Hit),
			attribute.String("step_name", event.StepName),
		))
	}
}

func (o *OTelObserver) OnCacheStore(ctx context.Context, event *CacheStoreEvent) {
	if event.Error == nil {
		return
	}
	o.cacheStoreErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", event.Resource),
	))
	if v, ok := o.spans.Load(event.PassID); ok {
		v.(trace.Span).AddEvent("cache_store_failed", trace.WithAttributes(
			attribute.String("step_name", event.StepName),
			attribute.String("error", event.Error.Error()),
		))
	}
}

func (o *OTelObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	o.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", event.Resource),
		attribute.Int("attempt", event.Attempt),
	))

	if v, ok := o.spans.Load(event.PassID); ok {
		v.(trace.Span).AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", event.Attempt),
			attribute.String("error", event.Error.Error()),
			attribute.String("delay", event.Delay.String()),
		))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
