package budget

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolveForBudget_MediumBudget(t *testing.T) {
	t.Parallel()

	const budgetOneGiB = 1 * GiB

	cfg, err := SolveForBudget(budgetOneGiB)

	require.NoError(t, err)
	assert.Positive(t, cfg.Workers, "should have at least 1 worker")
	assert.Positive(t, cfg.QueueBuffer, "should have positive queue buffer")
}

func TestSolveForBudget_SmallBudget(t *testing.T) {
	t.Parallel()

	const budget256MiB = 256 * MiB

	cfg, err := SolveForBudget(budget256MiB)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, cfg.Workers, MinWorkers, "should have minimum workers")
	assert.GreaterOrEqual(t, cfg.QueueBuffer, MinQueueBuffer, "should have minimum queue buffer")
}

func TestSolveForBudget_LargeBudget(t *testing.T) {
	t.Parallel()

	const budget4GiB = 4 * GiB

	cfg, err := SolveForBudget(budget4GiB)

	require.NoError(t, err)
	assert.Positive(t, cfg.Workers)
}

func TestSolveForBudget_TooSmall(t *testing.T) {
	t.Parallel()

	const tinyBudget = 32 * MiB // Below MinimumBudget

	_, err := SolveForBudget(tinyBudget)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetTooSmall)
}

func TestSolveForBudget_ExactlyMinimum(t *testing.T) {
	t.Parallel()

	cfg, err := SolveForBudget(MinimumBudget)

	require.NoError(t, err)
	assert.Positive(t, cfg.Workers, "should work at minimum budget")
}

func TestSolveForBudget_NeverExceedsBudget(t *testing.T) {
	t.Parallel()

	budgets := []int64{
		MinimumBudget,
		256 * MiB,
		512 * MiB,
		1 * GiB,
		2 * GiB,
		4 * GiB,
	}

	for _, budget := range budgets {
		cfg, err := SolveForBudget(budget)
		require.NoError(t, err, "budget %d should succeed", budget)

		estimate := EstimateMemoryUsage(cfg)
		assert.LessOrEqual(t, estimate, budget,
			"estimate %d should not exceed budget %d", estimate, budget)
	}
}

func TestSolveForBudget_Deterministic(t *testing.T) {
	t.Parallel()

	const budget = 1 * GiB

	cfg1, err1 := SolveForBudget(budget)
	cfg2, err2 := SolveForBudget(budget)

	require.NoError(t, err1)
	require.NoError(t, err2)

	assert.Equal(t, cfg1.Workers, cfg2.Workers)
	assert.Equal(t, cfg1.QueueBuffer, cfg2.QueueBuffer)
}

func TestSolveForBudget_WorkersCappedAtCPUCount(t *testing.T) {
	t.Parallel()

	// Very large budget that would allow more workers than CPUs.
	const hugeBudget = 64 * GiB

	cfg, err := SolveForBudget(hugeBudget)

	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Workers, runtime.NumCPU(),
		"workers should not exceed CPU count")
}

func TestDeriveKnobs_ZeroAllocations(t *testing.T) {
	t.Parallel()

	cfg := deriveKnobs(0, 0)

	assert.Equal(t, MinWorkers, cfg.Workers, "should use min workers")
	assert.Equal(t, MinQueueBuffer, cfg.QueueBuffer, "should use min queue buffer")
}

func TestDeriveKnobs_TinyAllocations(t *testing.T) {
	t.Parallel()

	cfg := deriveKnobs(1*KiB, 1*KiB)

	assert.GreaterOrEqual(t, cfg.Workers, MinWorkers)
	assert.GreaterOrEqual(t, cfg.QueueBuffer, MinQueueBuffer)
}

func TestDeriveKnobs_HugeWorkerAllocation(t *testing.T) {
	t.Parallel()

	cfg := deriveKnobs(100*GiB, 10*MiB)

	assert.LessOrEqual(t, cfg.Workers, runtime.NumCPU(), "workers capped at CPU count")
}
