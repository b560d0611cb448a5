// Package driver implements the Iteration Driver (C4): the single-threaded
// state machine that advances one weighted-ensemble iteration from loading
// iteration n's segments through propagation, resampling, and materializing
// iteration n+1, per spec §4.1.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/weensemble/wedriver/pkg/alg/stats"
	"github.com/weensemble/wedriver/pkg/particle"
	"github.com/weensemble/wedriver/pkg/region"
	"github.com/weensemble/wedriver/pkg/resample"
	"github.com/weensemble/wedriver/pkg/restrack"
)

// Sentinel errors for the driver's error taxonomy (spec §7).
var (
	ErrPropagationFailed  = errors.New("driver: one or more segments failed propagation")
	ErrTerminationOverlap = errors.New("driver: recycle and merge terminations overlap")
	ErrZeroNorm           = errors.New("driver: iteration has zero total weight")
)

// IterSummary is the per-iteration statistics record. STATS fills
// NParticles/Norm/*BinProb/*SegProb/*DynRange; the post-resample recycling
// bookkeeping fills TargetFlux/TargetHits; the end-of-iteration timing step
// fills Walltime/CPUTime.
type IterSummary struct {
	NParticles  int
	Norm        float64
	TargetFlux  float64 // summed weight recycled this iteration (Σ RecycleFrom.Weight)
	TargetHits  int     // particles recycled this iteration (Σ RecycleFrom.Count)
	MinBinProb  float64
	MaxBinProb  float64
	BinDynRange float64
	MinSegProb  float64
	MaxSegProb  float64
	SegDynRange float64
	Walltime    float64 // iteration wall-clock seconds
	CPUTime     float64 // summed per-segment propagation CPU seconds
}

// DataManager is the persistent store contract of spec §6.
type DataManager interface {
	CurrentIteration(ctx context.Context) (int, error)
	SetCurrentIteration(ctx context.Context, n int) error
	GetSegments(ctx context.Context, nIter int) ([]particle.Segment, error)
	UpdateSegments(ctx context.Context, nIter int, segs []particle.Segment) error
	GetIterSummary(ctx context.Context, nIter int) (IterSummary, error)
	UpdateIterSummary(ctx context.Context, nIter int, s IterSummary) error
	WriteBinData(ctx context.Context, nIter int, counts []int, probs []float64) error
	WriteRecyclingData(ctx context.Context, nIter int, recycleFrom map[int]resample.RecycleAgg) error
	PrepareIteration(ctx context.Context, nIter int, newSegs []particle.Segment) error
	FlushBacking(ctx context.Context) error
}

// SystemDriver is the per-run injected collaborator contract of spec §6.
type SystemDriver interface {
	RegionSet() region.RegionSet
	PreprocessIteration(ctx context.Context, nIter int, segs []particle.Segment) error
	PostprocessIteration(ctx context.Context, nIter int, segs []particle.Segment) error
	ResampleConfig() resample.Config
}

// WorkManager is the capability set the driver requires of an injected work
// manager, per spec §4.4.
type WorkManager interface {
	PrepareWorkers(ctx context.Context) error
	IsServer() bool
	PrepareIteration(ctx context.Context, nIter int, segs []particle.Segment) error
	Propagate(ctx context.Context, segs []particle.Segment) ([]particle.Segment, error)
	FinalizeIteration(ctx context.Context, nIter int, segs []particle.Segment) error
	Shutdown(ctx context.Context, code int) error
}

// Driver runs the state machine of spec §4.1 for one run. It is not safe
// for concurrent use; the scheduling model is single-threaded and
// sequential except for the fork-join inside Propagate.
type Driver struct {
	Data    DataManager
	System  SystemDriver
	Work    WorkManager
	Tracker *restrack.Tracker

	firstEntry bool
}

// New builds a Driver. firstEntryThisProcess resolves the "first entry this
// process" ambiguity of spec §9's open questions via an explicit flag rather
// than inferring it from bin occupancy.
func New(data DataManager, system SystemDriver, work WorkManager, tracker *restrack.Tracker, firstEntryThisProcess bool) *Driver {
	return &Driver{
		Data:       data,
		System:     system,
		Work:       work,
		Tracker:    tracker,
		firstEntry: firstEntryThisProcess,
	}
}

// RunIteration executes one full pass of the state machine for iteration n,
// committing durably at each transition named in spec §4.1, and returns the
// next n. It returns ErrPropagationFailed if any segment does not complete,
// in which case the caller must not advance.
func (d *Driver) RunIteration(ctx context.Context, nIter int) (int, error) {
	iterStart := time.Now()

	segs, err := d.loadSegments(ctx, nIter)
	if err != nil {
		return nIter, err
	}

	if d.firstEntry {
		if err := d.binInitial(ctx, nIter, segs); err != nil {
			return nIter, err
		}

		if err := d.stats(ctx, nIter, segs); err != nil {
			return nIter, err
		}

		if err := d.prepare(ctx, nIter, segs); err != nil {
			return nIter, err
		}

		d.firstEntry = false
	}

	segs, err = d.propagate(ctx, segs)
	if err != nil {
		return nIter, err
	}

	// VERIFY gates the durability barrier: a failed segment must leave the
	// last committed state at iteration n's PREPARED segments, so the commit
	// only happens once every segment has completed.
	if err := d.verify(segs); err != nil {
		return nIter, err
	}

	if err := d.commitEndpoints(ctx, nIter, segs); err != nil {
		return nIter, err
	}

	if err := d.postprocess(ctx, nIter, segs); err != nil {
		return nIter, err
	}

	endpoints := endpointParticles(segs)

	res, err := d.resample(endpoints)
	if err != nil {
		return nIter, err
	}

	if err := d.recordRecycling(ctx, nIter, res); err != nil {
		return nIter, err
	}

	if err := d.assignEndpointTypes(segs, res); err != nil {
		return nIter, err
	}

	if err := d.commitEndpointTypes(ctx, nIter, segs); err != nil {
		return nIter, err
	}

	next := d.materializeNext(res)

	if err := d.commitNext(ctx, nIter, next); err != nil {
		return nIter, err
	}

	if err := d.recordIterationTiming(ctx, nIter, segs, iterStart); err != nil {
		return nIter, err
	}

	return d.advance(ctx, nIter)
}

func (d *Driver) loadSegments(ctx context.Context, nIter int) ([]particle.Segment, error) {
	var segs []particle.Segment

	err := d.Tracker.Time(restrack.PhaseBinInitial, func() error {
		var err error

		segs, err = d.Data.GetSegments(ctx, nIter)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("driver: load segments: %w", err)
	}

	return segs, nil
}

// binInitial constructs starting-point particles and bins them, per spec
// §4.1 BIN_INITIAL.
func (d *Driver) binInitial(ctx context.Context, nIter int, segs []particle.Segment) error {
	return d.Tracker.Time(restrack.PhaseBinInitial, func() error {
		rs := d.System.RegionSet()
		rs.ResetOccupancy()

		for i := range segs {
			if err := rs.Tally(segs[i].StartCoord(), segs[i].Weight); err != nil {
				return fmt.Errorf("driver: bin_initial: %w", err)
			}
		}

		bins := rs.Bins()
		counts := make([]int, len(bins))
		probs := make([]float64, len(bins))

		for i, b := range bins {
			counts[i] = b.Count
			probs[i] = b.Weight
		}

		return d.Data.WriteBinData(ctx, nIter, counts, probs)
	})
}

// stats computes the IterSummary of spec §4.1 STATS.
func (d *Driver) stats(ctx context.Context, nIter int, segs []particle.Segment) error {
	return d.Tracker.Time(restrack.PhaseStats, func() error {
		summary, err := computeSummary(d.System.RegionSet(), segs)
		if err != nil {
			return err
		}

		return d.Data.UpdateIterSummary(ctx, nIter, summary)
	})
}

func computeSummary(rs region.RegionSet, segs []particle.Segment) (IterSummary, error) {
	weights := make([]float64, len(segs))

	for i := range segs {
		w := segs[i].Weight
		if w <= 0 {
			return IterSummary{}, fmt.Errorf("%w: seg_id=%d", particle.ErrZeroWeight, segs[i].SegID)
		}

		weights[i] = w
	}

	norm := stats.Sum(weights)
	minSeg, maxSeg := minMaxOrNaN(weights)

	bins := rs.Bins()

	var binWeights []float64

	for _, b := range bins {
		if b.Count != 0 {
			binWeights = append(binWeights, b.Weight)
		}
	}

	minBin, maxBin := minMaxOrNaN(binWeights)

	summary := IterSummary{
		NParticles: len(segs),
		Norm:       norm,
		MinBinProb: minBin,
		MaxBinProb: maxBin,
		MinSegProb: minSeg,
		MaxSegProb: maxSeg,
	}

	if !math.IsNaN(minBin) && minBin > 0 {
		summary.BinDynRange = math.Log(maxBin / minBin)
	} else {
		summary.BinDynRange = math.NaN()
	}

	if !math.IsNaN(minSeg) && minSeg > 0 {
		summary.SegDynRange = math.Log(maxSeg / minSeg)
	} else {
		summary.SegDynRange = math.NaN()
	}

	return summary, nil
}

// minMaxOrNaN returns (NaN, NaN) for an empty slice so callers can detect
// "no populated bins this iteration" without a sentinel count variable.
func minMaxOrNaN(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}

	return stats.Min(values), stats.Max(values)
}

func (d *Driver) prepare(ctx context.Context, nIter int, segs []particle.Segment) error {
	return d.Tracker.Time(restrack.PhasePrepare, func() error {
		if err := d.Work.PrepareIteration(ctx, nIter, segs); err != nil {
			return fmt.Errorf("driver: prepare: work manager: %w", err)
		}

		if err := d.System.PreprocessIteration(ctx, nIter, segs); err != nil {
			return fmt.Errorf("driver: prepare: system driver: %w", err)
		}

		return nil
	})
}

// propagate filters to PREPARED segments, dispatches them, and blocks until
// every one returns, per spec §4.1 PROPAGATE.
func (d *Driver) propagate(ctx context.Context, segs []particle.Segment) ([]particle.Segment, error) {
	pending := make([]particle.Segment, 0, len(segs))
	idx := make([]int, 0, len(segs))

	for i, s := range segs {
		if s.Status == particle.StatusPrepared {
			pending = append(pending, s)
			idx = append(idx, i)
		}
	}

	var done []particle.Segment

	err := d.Tracker.Time(restrack.PhasePropagate, func() error {
		var err error

		done, err = d.Work.Propagate(ctx, pending)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("driver: propagate: %w", err)
	}

	out := make([]particle.Segment, len(segs))
	copy(out, segs)

	for i, s := range done {
		out[idx[i]] = s
	}

	return out, nil
}

func (d *Driver) commitEndpoints(ctx context.Context, nIter int, segs []particle.Segment) error {
	return d.Tracker.Time(restrack.PhaseCommit, func() error {
		if err := d.Data.UpdateSegments(ctx, nIter, segs); err != nil {
			return err
		}

		return d.Data.FlushBacking(ctx)
	})
}

// verify fails the run if any segment did not complete, per spec §4.1 VERIFY
// and §7's propagation failure policy.
func (d *Driver) verify(segs []particle.Segment) error {
	return d.Tracker.Time(restrack.PhaseVerify, func() error {
		var failed []int

		for i := range segs {
			if segs[i].Status != particle.StatusComplete {
				failed = append(failed, segs[i].SegID)
			}
		}

		if len(failed) > 0 {
			return fmt.Errorf("%w: seg_ids=%v", ErrPropagationFailed, failed)
		}

		return nil
	})
}

func (d *Driver) postprocess(ctx context.Context, nIter int, segs []particle.Segment) error {
	return d.Tracker.Time(restrack.PhasePostprocess, func() error {
		return d.System.PostprocessIteration(ctx, nIter, segs)
	})
}

// endpointParticles builds one Particle per segment using pcoord[-1], per
// spec §4.1 POSTPROCESS.
func endpointParticles(segs []particle.Segment) []particle.Particle {
	out := make([]particle.Particle, len(segs))

	for i := range segs {
		out[i] = particle.Particle{
			SegID:  particle.IntPtr(segs[i].SegID),
			Weight: segs[i].Weight,
			Pcoord: segs[i].EndCoord().Clone(),
		}
	}

	return out
}

func (d *Driver) resample(endpoints []particle.Particle) (resample.Result, error) {
	var res resample.Result

	err := d.Tracker.Time(restrack.PhaseResample, func() error {
		r := resample.New(d.System.ResampleConfig())

		var err error

		res, err = r.Resample(d.System.RegionSet(), endpoints)

		return err
	})

	return res, err
}

// recordRecycling persists the resampler's recycling sinks and updates the
// iteration summary's TargetFlux/TargetHits, per sim_manager.py's
// "report recycling statistics" step: target_flux is the total weight
// recycled this iteration, target_hits the number of particles recycled.
func (d *Driver) recordRecycling(ctx context.Context, nIter int, res resample.Result) error {
	return d.Tracker.Time(restrack.PhaseResample, func() error {
		if err := d.Data.WriteRecyclingData(ctx, nIter, res.RecycleFrom); err != nil {
			return fmt.Errorf("driver: write recycling data: %w", err)
		}

		summary, err := d.Data.GetIterSummary(ctx, nIter)
		if err != nil {
			return fmt.Errorf("driver: read iter summary for recycling update: %w", err)
		}

		var flux float64

		var hits int

		for _, agg := range res.RecycleFrom {
			flux += agg.Weight
			hits += agg.Count
		}

		summary.TargetFlux = flux
		summary.TargetHits = hits

		if err := d.Data.UpdateIterSummary(ctx, nIter, summary); err != nil {
			return fmt.Errorf("driver: update iter summary with recycling stats: %w", err)
		}

		return nil
	})
}

// assignEndpointTypes defaults every segment to CONTINUES, then overwrites
// per the resampler's termination sets, per spec §4.1
// ASSIGN_ENDPOINT_TYPES.
func (d *Driver) assignEndpointTypes(segs []particle.Segment, res resample.Result) error {
	for segID := range res.RecycleTerminations {
		if _, merged := res.MergeTerminations[segID]; merged {
			return fmt.Errorf("%w: seg_id=%d", ErrTerminationOverlap, segID)
		}
	}

	for i := range segs {
		segs[i].EndpointType = particle.EndpointContinues

		if _, ok := res.RecycleTerminations[segs[i].SegID]; ok {
			segs[i].EndpointType = particle.EndpointRecycled
		}

		if _, ok := res.MergeTerminations[segs[i].SegID]; ok {
			segs[i].EndpointType = particle.EndpointMerged
		}
	}

	return nil
}

func (d *Driver) commitEndpointTypes(ctx context.Context, nIter int, segs []particle.Segment) error {
	return d.Tracker.Time(restrack.PhaseCommit, func() error {
		if err := d.Data.UpdateSegments(ctx, nIter, segs); err != nil {
			return err
		}

		return d.Data.FlushBacking(ctx)
	})
}

// materializeNext builds the seed Segments for iteration n+1 from the
// resampler's offspring particles, per spec §4.1 MATERIALIZE_NEXT. seg_id is
// left unassigned (-1); the store assigns dense ids at PrepareIteration.
func (d *Driver) materializeNext(res resample.Result) []particle.Segment {
	out := make([]particle.Segment, len(res.NextParticles))

	for i, p := range res.NextParticles {
		seg := particle.Segment{
			SegID:  -1,
			Weight: p.Weight,
			Pcoord: []particle.Coord{p.Pcoord.Clone()},
			Status: particle.StatusPrepared,
		}

		if p.PParentID == nil {
			seg.PParentID = *p.SegID
			seg.ParentIDs = []int{*p.SegID}
		} else {
			seg.PParentID = *p.PParentID
			seg.ParentIDs = append([]int(nil), p.ParentIDs...)
		}

		out[i] = seg
	}

	return out
}

func (d *Driver) commitNext(ctx context.Context, nIter int, next []particle.Segment) error {
	return d.Tracker.Time(restrack.PhaseMaterialize, func() error {
		if err := d.Data.PrepareIteration(ctx, nIter+1, next); err != nil {
			return err
		}

		return d.Data.FlushBacking(ctx)
	})
}

// recordIterationTiming fills in the iteration summary's Walltime/CPUTime,
// per sim_manager.py's end-of-iteration timing write: walltime is the
// iteration's total wall-clock elapsed since RunIteration started, cputime
// the summed per-segment propagation CPU time.
func (d *Driver) recordIterationTiming(ctx context.Context, nIter int, segs []particle.Segment, start time.Time) error {
	return d.Tracker.Time(restrack.PhaseCommit, func() error {
		summary, err := d.Data.GetIterSummary(ctx, nIter)
		if err != nil {
			return fmt.Errorf("driver: read iter summary for timing update: %w", err)
		}

		summary.Walltime = time.Since(start).Seconds()

		var cpu time.Duration

		for i := range segs {
			cpu += segs[i].CPUTime
		}

		summary.CPUTime = cpu.Seconds()

		if err := d.Data.UpdateIterSummary(ctx, nIter, summary); err != nil {
			return fmt.Errorf("driver: update iter summary with timing: %w", err)
		}

		return nil
	})
}

func (d *Driver) advance(ctx context.Context, nIter int) (int, error) {
	next := nIter + 1

	err := d.Tracker.Time(restrack.PhaseCommit, func() error {
		return d.Data.SetCurrentIteration(ctx, next)
	})
	if err != nil {
		return nIter, err
	}

	return next, nil
}
