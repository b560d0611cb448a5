// Package budget sizes a run's propagation worker pool from a memory budget.
package budget

import "github.com/weensemble/wedriver/pkg/units"

// Size unit multipliers, re-exported for callers that only import budget.
const (
	KiB = units.KiB
	MiB = units.MiB
	GiB = units.GiB
)

// Component memory sizes (empirically measured against a representative
// propagator: a subprocess-per-segment dynamics engine holding one pcoord
// trajectory buffer in flight).
const (
	// BaseOverhead is the fixed Go runtime overhead for the driver process
	// itself (segment/particle slices, region bin tables, the in-memory
	// iteration summary history).
	BaseOverhead = 64 * units.MiB

	// WorkerHandleSize is the Go-visible memory per worker goroutine: its
	// job/result channel slots plus the Segment/Particle values in flight.
	WorkerHandleSize = 2 * units.MiB

	// WorkerNativeOverhead is the per-worker propagator subprocess overhead
	// (stack, loaded dynamics libraries, trajectory buffers) for workers that
	// shell out to an external integrator rather than simulating in-process.
	WorkerNativeOverhead = 20 * units.MiB

	// AvgSegmentSize is the average size of one Segment's pcoord history
	// held in the job queue while awaiting a worker.
	AvgSegmentSize = 4 * units.KiB

	// MaxQueueBuffer caps the job-queue buffer to avoid it dominating the
	// budget; beyond this the backlog just adds latency, not throughput.
	MaxQueueBuffer = 65536

	// NativeMemoryPercent is the fraction of the budget reserved for
	// propagator subprocess memory. The rest is available to the Go heap.
	NativeMemoryPercent = 25
)

// EstimateMemoryUsage calculates the estimated memory usage for a given
// worker pool configuration. Formula: BaseOverhead + WorkerMemory +
// NativeOverhead + QueueMemory.
func EstimateMemoryUsage(cfg WorkerPoolConfig) int64 {
	workerMemory := int64(cfg.Workers) * WorkerHandleSize
	nativeMemory := int64(cfg.Workers) * WorkerNativeOverhead
	queueMemory := int64(cfg.QueueBuffer) * AvgSegmentSize

	return BaseOverhead + workerMemory + nativeMemory + queueMemory
}

// WorkerPoolConfig parametrizes a workmgr.Threads propagator pool, derived
// from a memory budget by SolveForBudget.
type WorkerPoolConfig struct {
	Workers     int
	QueueBuffer int
}
