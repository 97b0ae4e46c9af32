package stepgraph

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements Observer using Prometheus metrics.
//
// Example:
//
//	observer := stepgraph.NewPrometheusObserver("my_service", prometheus.DefaultRegisterer)
//	op := stepgraph.NewOperationPlan(stepgraph.WithObserver(observer))
type PrometheusObserver struct {
	compileDuration   *prometheus.HistogramVec
	stepsReplaced     *prometheus.CounterVec
	passDuration      *prometheus.HistogramVec
	batchSize         prometheus.Histogram
	stepDuration      *prometheus.HistogramVec
	errorValues       *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	cacheCheckLatency *prometheus.HistogramVec
	cacheStoreErrors  *prometheus.CounterVec
	retries           *prometheus.CounterVec
	errors            *prometheus.CounterVec
}

// NewPrometheusObserver creates a Prometheus observer with the given namespace.
// All metrics will be prefixed with "{namespace}_stepgraph_".
//
// Pass IDs are deliberately not used as labels; they are unbounded.
func NewPrometheusObserver(namespace string, registerer prometheus.Registerer) *PrometheusObserver {
	if namespace == "" {
		namespace = "stepgraph"
	}

	compileDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "compile_duration_seconds",
			Help:      "Duration of plan compilation in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"status"},
	)

	stepsReplaced := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "steps_replaced_total",
			Help:      "Total number of steps replaced during compilation",
		},
		[]string{"reason"},
	)

	passDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "pass_duration_seconds",
			Help:      "Duration of batch passes in seconds",
			Buckets:   prometheus.DefBuckets, // [0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10]
		},
		[]string{"status"},
	)

	batchSize := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "batch_size",
			Help:      "Number of indices per batch pass",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "step_duration_seconds",
			Help:      "Duration of step execution in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step_name", "step_kind", "status"},
	)

	errorValues := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "error_values_total",
			Help:      "Total number of per-index error markers produced",
		},
		[]string{"step_name"},
	)

	cacheHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "cache_hits_total",
			Help:      "Total number of fetch cache hits",
		},
		[]string{"step_name", "resource"},
	)

	cacheMisses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "cache_misses_total",
			Help:      "Total number of fetch cache misses",
		},
		[]string{"step_name", "resource"},
	)

	cacheCheckLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "cache_check_latency_seconds",
			Help:      "Latency of cache lookups in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"step_name", "resource"},
	)

	cacheStoreErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "cache_store_errors_total",
			Help:      "Total number of failed fetch cache writes",
		},
		[]string{"resource"},
	)

	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "fetch_retries_total",
			Help:      "Total number of fetch retries",
		},
		[]string{"resource"},
	)

	errors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stepgraph",
			Name:      "step_errors_total",
			Help:      "Total number of fatal step errors",
		},
		[]string{"step_name"},
	)

	registerer.MustRegister(
		compileDuration,
		stepsReplaced,
		passDuration,
		batchSize,
		stepDuration,
		errorValues,
		cacheHits,
		cacheMisses,
		cacheCheckLatency,
		cacheStoreErrors,
		retries,
		errors,
	)

	return &PrometheusObserver{
		compileDuration:   compileDuration,
		stepsReplaced:     stepsReplaced,
		passDuration:      passDuration,
		batchSize:         batchSize,
		stepDuration:      stepDuration,
		errorValues:       errorValues,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
		cacheCheckLatency: cacheCheckLatency,
		cacheStoreErrors:  cacheStoreErrors,
		retries:           retries,
		errors:            errors,
	}
}

func (o *PrometheusObserver) OnCompileStart(ctx context.Context, event *CompileStartEvent) {}

func (o *PrometheusObserver) OnCompileEnd(ctx context.Context, event *CompileEndEvent) {
	o.compileDuration.WithLabelValues(status(event.Error, false)).Observe(event.Duration.Seconds())
}

func (o *PrometheusObserver) OnStepReplaced(ctx context.Context, event *StepReplacedEvent) {
	o.stepsReplaced.WithLabelValues(string(event.Reason)).Inc()
}

func (o *PrometheusObserver) OnPassStart(ctx context.Context, event *PassStartEvent) {
	o.batchSize.Observe(float64(event.BatchSize))
}

func (o *PrometheusObserver) OnPassEnd(ctx context.Context, event *PassEndEvent) {
	o.passDuration.WithLabelValues(status(event.Error, false)).Observe(event.Duration.Seconds())
}

func (o *PrometheusObserver) OnStepStart(ctx context.Context, event *StepStartEvent) {}

func (o *PrometheusObserver) OnStepEnd(ctx context.Context, event *StepEndEvent) {
	o.stepDuration.WithLabelValues(
		event.StepName,
		event.StepKind,
		status(event.Error, event.Panicked),
	).Observe(event.Duration.Seconds())

	if event.ErrorValues > 0 {
		o.errorValues.WithLabelValues(event.StepName).Add(float64(event.ErrorValues))
	}
	if event.Error != nil {
		o.errors.WithLabelValues(event.StepName).Inc()
	}
}

func (o *PrometheusObserver) OnCacheCheck(ctx context.Context, event *CacheCheckEvent) {
	labels := prometheus.Labels{
		"step_name": event.StepName,
		"resource":  event.Resource,
	}

	if event.Hit {
		o.cacheHits.With(labels).Inc()
	} else {
		o.cacheMisses.With(labels).Inc()
	}

	o.cacheCheckLatency.With(labels).Observe(event.Latency.Seconds())
}

func (o *PrometheusObserver) OnCacheStore(ctx context.Context, event *CacheStoreEvent) {
	if event.Error != nil {
		o.cacheStoreErrors.WithLabelValues(event.Resource).Inc()
	}
}

func (o *PrometheusObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	o.retries.WithLabelValues(event.Resource).Inc()
}

func status(err error, panicked bool) string {
	switch {
	case panicked:
		return "panic"
	case err != nil:
		return "error"
	default:
		return "success"
	}
}
