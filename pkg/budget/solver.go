package budget

import (
	"errors"
	"runtime"
)

// Allocation proportions for budget distribution.
const (
	// WorkerAllocationPercent is the percentage of available budget for workers.
	WorkerAllocationPercent = 80

	// QueueAllocationPercent is the percentage of available budget for the
	// job queue buffer.
	QueueAllocationPercent = 20

	// SlackPercent is reserved for runtime overhead.
	SlackPercent = 5

	// percentDivisor is used for percentage calculations.
	percentDivisor = 100

	// OptimalWorkerRatio is the percentage of CPU cores to use for workers.
	// Beyond this ratio, propagator subprocess contention outweighs the
	// added throughput.
	OptimalWorkerRatio = 80
)

// Solver constraints.
const (
	// MinimumBudget is the smallest budget the solver will accept. Must
	// exceed BaseOverhead plus room for at least 1 worker.
	MinimumBudget = 128 * MiB

	// MinWorkers is the minimum number of workers.
	MinWorkers = 1

	// MinQueueBuffer is the minimum job-queue buffer size.
	MinQueueBuffer = 2
)

// ErrBudgetTooSmall indicates the budget is below the minimum required.
var ErrBudgetTooSmall = errors.New("memory budget is too small")

// SolveForBudget calculates an optimal WorkerPoolConfig for the given memory
// budget, distributing available memory across propagation workers and the
// job queue while keeping total estimated usage within budget.
func SolveForBudget(budget int64) (WorkerPoolConfig, error) {
	if budget < MinimumBudget {
		return WorkerPoolConfig{}, ErrBudgetTooSmall
	}

	// Reserve slack for runtime overhead.
	usableBudget := budget * (percentDivisor - SlackPercent) / percentDivisor

	// Subtract base overhead.
	available := usableBudget - BaseOverhead
	if available <= 0 {
		return WorkerPoolConfig{}, ErrBudgetTooSmall
	}

	workerAlloc := available * WorkerAllocationPercent / percentDivisor
	queueAlloc := available * QueueAllocationPercent / percentDivisor

	return deriveKnobs(workerAlloc, queueAlloc), nil
}

// deriveKnobs calculates individual configuration knobs from allocation budgets.
func deriveKnobs(workerAlloc, queueAlloc int64) WorkerPoolConfig {
	// Workers: maximize within allocation, minimum 1, cap at optimal ratio of CPU cores.
	maxWorkers := max(MinWorkers, runtime.NumCPU()*OptimalWorkerRatio/percentDivisor)
	workerCost := int64(WorkerHandleSize + WorkerNativeOverhead)
	workers := max(MinWorkers, min(maxWorkers, int(workerAlloc/workerCost)))

	queueBuffer := max(MinQueueBuffer, int(queueAlloc/AvgSegmentSize))
	queueBuffer = min(queueBuffer, MaxQueueBuffer)

	return WorkerPoolConfig{
		Workers:     workers,
		QueueBuffer: queueBuffer,
	}
}
