// Package systemdrv provides a config-driven SystemDriver (the per-run
// collaborator of spec §6) for runs that don't need a custom system module:
// a single progress-coordinate dimension partitioned into contiguous bins by
// configured edges, with no pre/post-processing hooks. Production systems
// with richer pcoord shapes or processing logic implement driver.SystemDriver
// directly and register under their own name.
package systemdrv

import (
	"context"
	"errors"
	"fmt"

	"github.com/weensemble/wedriver/pkg/particle"
	"github.com/weensemble/wedriver/pkg/region"
	"github.com/weensemble/wedriver/pkg/resample"
)

// ErrNoBinEdges is returned when a Linear system driver is built with fewer
// than two bin edges.
var ErrNoBinEdges = errors.New("systemdrv: system.bin_edges must have at least 2 entries")

// Linear is a SystemDriver over a 1-D progress coordinate, partitioned by
// piecewise-linear bin edges. PreprocessIteration and PostprocessIteration
// are no-ops; it exists so a run can be driven end to end from configuration
// alone, without a hand-written system module.
type Linear struct {
	rs  *region.LinearRegionSet
	cfg resample.Config
}

// NewLinear builds a Linear system driver from bin edges, per-bin target
// occupancy counts, target (sink) bins, and the initial states recycled
// particles are re-injected at.
func NewLinear(edges []float64, targetCounts []int, targetBins map[int]int, initialStates []resample.InitialState) (*Linear, error) {
	if len(edges) < 2 {
		return nil, ErrNoBinEdges
	}

	rs, err := region.NewLinearRegionSet(edges, targetCounts, targetBins)
	if err != nil {
		return nil, fmt.Errorf("systemdrv: build region set: %w", err)
	}

	return &Linear{
		rs:  rs,
		cfg: resample.Config{InitialStates: initialStates},
	}, nil
}

// RegionSet implements driver.SystemDriver.
func (l *Linear) RegionSet() region.RegionSet { return l.rs }

// PreprocessIteration implements driver.SystemDriver as a no-op.
func (l *Linear) PreprocessIteration(context.Context, int, []particle.Segment) error { return nil }

// PostprocessIteration implements driver.SystemDriver as a no-op.
func (l *Linear) PostprocessIteration(context.Context, int, []particle.Segment) error { return nil }

// ResampleConfig implements driver.SystemDriver.
func (l *Linear) ResampleConfig() resample.Config { return l.cfg }
