package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricIterationsTotal  = "wedriver.iterations.total"
	metricIterationSeconds = "wedriver.iteration.duration.seconds"
	metricErrorsTotal      = "wedriver.errors.total"
	metricInflightRuns     = "wedriver.inflight.runs"

	attrPhase  = "phase"
	attrStatus = "status"

	statusError = "error"
)

// iterationDurationBuckets covers sub-second bin-local resampling up to
// multi-minute propagation phases.
var iterationDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// REDMetrics holds the OTel instruments for Rate, Error, Duration metrics
// over one run's iterations.
type REDMetrics struct {
	iterationsTotal  metric.Int64Counter
	iterationSeconds metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRuns     metric.Int64UpDownCounter
}

// NewREDMetrics creates RED metric instruments from the given meter.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	iterTotal, err := mt.Int64Counter(metricIterationsTotal,
		metric.WithDescription("Total number of iterations completed"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricIterationsTotal, err)
	}

	iterSeconds, err := mt.Float64Histogram(metricIterationSeconds,
		metric.WithDescription("Iteration phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(iterationDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricIterationSeconds, err)
	}

	errTotal, err := mt.Int64Counter(metricErrorsTotal,
		metric.WithDescription("Total number of fatal run errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricErrorsTotal, err)
	}

	inflight, err := mt.Int64UpDownCounter(metricInflightRuns,
		metric.WithDescription("Number of runs currently mid-iteration"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricInflightRuns, err)
	}

	return &REDMetrics{
		iterationsTotal:  iterTotal,
		iterationSeconds: iterSeconds,
		errorsTotal:      errTotal,
		inflightRuns:     inflight,
	}, nil
}

// RecordIteration records one completed phase with its name, status, and
// duration.
func (rm *REDMetrics) RecordIteration(ctx context.Context, phase, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrPhase, phase),
		attribute.String(attrStatus, status),
	)

	rm.iterationsTotal.Add(ctx, 1, attrs)
	rm.iterationSeconds.Record(ctx, duration.Seconds(), attrs)

	if status == statusError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String(attrPhase, phase),
		))
	}
}

// TrackInflight increments the in-flight gauge and returns a function to
// decrement it, bracketing one RunIteration call.
func (rm *REDMetrics) TrackInflight(ctx context.Context) func() {
	rm.inflightRuns.Add(ctx, 1)

	return func() {
		rm.inflightRuns.Add(ctx, -1)
	}
}
