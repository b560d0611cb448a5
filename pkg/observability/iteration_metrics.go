package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricSegmentsTotal     = "wedriver.segments.total"
	metricOffspringTotal    = "wedriver.offspring.total"
	metricPhaseDuration     = "wedriver.phase.duration.seconds"
	metricRecycleEventTotal = "wedriver.recycle.events.total"
	metricMergeEventTotal   = "wedriver.merge.events.total"

	attrEndpoint = "endpoint_type"
)

// IterationMetrics holds OTel instruments for per-iteration, per-phase
// statistics — segment, offspring, recycle and merge counts plus per-phase
// wall durations — exported as a second surface alongside the RED metrics in
// metrics.go.
type IterationMetrics struct {
	segmentsTotal  metric.Int64Counter
	offspringTotal metric.Int64Counter
	phaseDuration  metric.Float64Histogram
	recycleEvents  metric.Int64Counter
	mergeEvents    metric.Int64Counter
}

// IterationStats holds the statistics for one completed iteration,
// decoupled from driver/resample types so this package has no import cycle
// back to them.
type IterationStats struct {
	NIter            int
	NSegments        int
	NOffspring       int
	PhaseDurations   map[string]time.Duration
	RecycleCount     int64
	MergeCount       int64
}

// NewIterationMetrics creates iteration metric instruments from the given meter.
func NewIterationMetrics(mt metric.Meter) (*IterationMetrics, error) {
	segments, err := mt.Int64Counter(metricSegmentsTotal,
		metric.WithDescription("Total segments propagated"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSegmentsTotal, err)
	}

	offspring, err := mt.Int64Counter(metricOffspringTotal,
		metric.WithDescription("Total offspring particles emitted by the resampler"),
		metric.WithUnit("{particle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricOffspringTotal, err)
	}

	phaseDur, err := mt.Float64Histogram(metricPhaseDuration,
		metric.WithDescription("Per-phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(iterationDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPhaseDuration, err)
	}

	recycle, err := mt.Int64Counter(metricRecycleEventTotal,
		metric.WithDescription("Total recycle terminations"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRecycleEventTotal, err)
	}

	merge, err := mt.Int64Counter(metricMergeEventTotal,
		metric.WithDescription("Total merge terminations"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricMergeEventTotal, err)
	}

	return &IterationMetrics{
		segmentsTotal:  segments,
		offspringTotal: offspring,
		phaseDuration:  phaseDur,
		recycleEvents:  recycle,
		mergeEvents:    merge,
	}, nil
}

// RecordIteration records the statistics for one completed iteration.
// Safe to call on a nil receiver (no-op).
func (im *IterationMetrics) RecordIteration(ctx context.Context, stats IterationStats) {
	if im == nil {
		return
	}

	im.segmentsTotal.Add(ctx, int64(stats.NSegments))
	im.offspringTotal.Add(ctx, int64(stats.NOffspring))

	for phase, d := range stats.PhaseDurations {
		im.phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(attrPhase, phase)))
	}

	im.recycleEvents.Add(ctx, stats.RecycleCount)
	im.mergeEvents.Add(ctx, stats.MergeCount)
}
