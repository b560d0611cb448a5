// Package runloop implements the Run Loop (C5): a multi-iteration loop over
// the Iteration Driver with a wall-clock budget, resume, and clean
// termination, per spec §4.3.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/weensemble/wedriver/pkg/alg/stats"
	"github.com/weensemble/wedriver/pkg/driver"
	"github.com/weensemble/wedriver/pkg/restrack"
)

// ErrPropagationFailed is returned by Run when the driver aborts due to a
// propagation failure (wrapped); it is the same sentinel value as
// driver.ErrPropagationFailed, so errors.Is matches either name.
var ErrPropagationFailed = driver.ErrPropagationFailed

// ema smoothing factor for the rolling per-iteration wall-time estimate.
const emaAlpha = 0.3

// Config parametrizes one Run Loop invocation.
type Config struct {
	// MaxIterations is the exclusive upper bound on iterations. Per spec §6
	// the default is current+1 (do one more iteration); callers choose
	// that default before calling Run.
	MaxIterations int

	// MaxWallclock bounds total run time; zero means unlimited.
	MaxWallclock time.Duration

	// ProfileMode dumps the resource tracker's per-phase totals to stderr
	// at run end.
	ProfileMode bool
}

// Outcome reports how a Run invocation ended.
type Outcome struct {
	FinalIteration int
	// CleanShutdown is true iff the run stopped because the wall-clock
	// budget was exhausted at an iteration boundary, per spec §6's exit
	// code policy (still exit code 0).
	CleanShutdown bool
}

// Clock abstracts time.Now so budget checks are testable without sleeping.
type Clock func() time.Time

// Run drives d across iterations current..cfg.MaxIterations-1, checking the
// wall-clock budget at each boundary before starting the next iteration.
func Run(ctx context.Context, d *driver.Driver, current int, cfg Config, clock Clock, tracker *restrack.Tracker) (Outcome, error) {
	if clock == nil {
		clock = time.Now
	}

	start := clock()
	estimate := stats.NewEMA(emaAlpha)

	defer func() {
		if cfg.ProfileMode && tracker != nil {
			_ = tracker.Dump(os.Stderr)
		}
	}()

	n := current

	// MaxIterations is the exclusive upper bound (spec's default of
	// current+1 means "run exactly one more iteration").
	for n < cfg.MaxIterations {
		if cfg.MaxWallclock > 0 && estimate.Initialized() {
			elapsed := clock().Sub(start)
			projected := elapsed + time.Duration(estimate.Value())

			if projected >= cfg.MaxWallclock {
				return Outcome{FinalIteration: n, CleanShutdown: true}, nil
			}
		}

		iterStart := clock()

		next, err := d.RunIteration(ctx, n)
		if err != nil {
			if errors.Is(err, driver.ErrPropagationFailed) {
				return Outcome{FinalIteration: n}, fmt.Errorf("runloop: %w", err)
			}

			return Outcome{FinalIteration: n}, fmt.Errorf("runloop: iteration %d: %w", n, err)
		}

		estimate.Update(float64(clock().Sub(iterStart)))
		n = next
	}

	return Outcome{FinalIteration: n}, nil
}
