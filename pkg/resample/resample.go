// Package resample implements the WE Resampler (C3): given a weighted
// particle set and a RegionSet, it produces the next iteration's particle
// set via recycle, split, and merge, preserving total weight.
package resample

import (
	"errors"
	"fmt"
	"sort"

	"github.com/weensemble/wedriver/pkg/particle"
	"github.com/weensemble/wedriver/pkg/region"
)

// WeightTolerance is the absolute-relative tolerance for the weight
// conservation check, per spec testable property 1.
const WeightTolerance = 1e-12

// Sentinel errors.
var (
	ErrWeightDrift       = errors.New("resample: output weight does not match input weight")
	ErrTerminationOverlap = errors.New("resample: recycle and merge terminations overlap")
	ErrUncoveredSegment  = errors.New("resample: seg_id not accounted for in termination or lineage sets")
	ErrNoInitialState    = errors.New("resample: target bin has no configured initial state")
)

// InitialState is one configured re-injection point for recycled particles.
type InitialState struct {
	Index  int
	Pcoord particle.Coord
}

// Config parametrizes one Resampler instance.
type Config struct {
	// InitialStates are indexed by RegionSet Bin.InitialStateIndex.
	InitialStates []InitialState
}

// RecycleAgg aggregates count and weight recycled through one target region
// or re-injected at one initial state.
type RecycleAgg struct {
	Count  int
	Weight float64
}

// Result is the resampler's full output for one iteration.
type Result struct {
	NextParticles       []particle.Particle
	RecycleTerminations map[int]struct{}
	MergeTerminations   map[int]struct{}
	// RecycleFrom and RecycleTo are keyed by target-region ordinal: the
	// position of the target bin among all IsTarget bins in RegionSet
	// enumeration order (0, 1, 2, ...), not the bin's own Index. This
	// matches the original driver's recycle_from/recycle_to, which are
	// indexed by the target's position in target_states rather than by
	// bin number.
	RecycleFrom       map[int]RecycleAgg
	RecycleTo         map[int]RecycleAgg
	RecycledParticles []particle.Particle
}

// Resampler implements the split/merge/recycle algorithm of spec §4.2.
type Resampler struct {
	cfg Config
}

// New builds a Resampler from the given initial-state configuration.
func New(cfg Config) *Resampler {
	return &Resampler{cfg: cfg}
}

// workParticle is a particle plus a stable tie-break key used while a bin's
// local population is mutated during split/merge.
type workParticle struct {
	p   particle.Particle
	key int // lineage seg_id used for deterministic tie-breaking
}

// Resample runs the recycle, bin-local resampling, and emit phases in strict
// order over endpointParticles (one per segment of iteration n).
func (r *Resampler) Resample(rs region.RegionSet, endpointParticles []particle.Particle) (Result, error) {
	inputWeight := 0.0
	for i := range endpointParticles {
		inputWeight += endpointParticles[i].Weight
	}

	res := Result{
		RecycleTerminations: make(map[int]struct{}),
		MergeTerminations:   make(map[int]struct{}),
		RecycleFrom:         make(map[int]RecycleAgg),
		RecycleTo:           make(map[int]RecycleAgg),
	}

	pool, err := r.recycle(rs, endpointParticles, &res)
	if err != nil {
		return Result{}, err
	}

	next, err := r.binLocalResample(rs, pool, &res)
	if err != nil {
		return Result{}, err
	}

	res.NextParticles = next

	if err := r.checkInvariants(endpointParticles, inputWeight, res); err != nil {
		return Result{}, err
	}

	return res, nil
}

// recycle implements spec §4.2 phase 1. Endpoints landing in a target bin are
// absorbed and an equal-weight particle is re-injected at that bin's
// configured initial state; all other endpoints pass through unchanged into
// the pool that feeds bin-local resampling.
func (r *Resampler) recycle(rs region.RegionSet, endpoints []particle.Particle, res *Result) ([]particle.Particle, error) {
	ordinals := targetOrdinals(rs)

	pool := make([]particle.Particle, 0, len(endpoints))

	for i := range endpoints {
		p := endpoints[i]

		bins, err := rs.MapToBins([]particle.Coord{p.Pcoord})
		if err != nil {
			return nil, fmt.Errorf("recycle: map endpoint to bin: %w", err)
		}

		bin := bins[0]

		if !bin.IsTarget {
			pool = append(pool, p)

			continue
		}

		segID := p.LineageSegID()
		res.RecycleTerminations[segID] = struct{}{}

		ordinal := ordinals[bin.Index]

		agg := res.RecycleFrom[ordinal]
		agg.Count++
		agg.Weight += p.Weight
		res.RecycleFrom[ordinal] = agg

		initState, err := r.initialState(bin.InitialStateIndex)
		if err != nil {
			return nil, err
		}

		reinjected := particle.Particle{
			SegID:  particle.IntPtr(particle.EncodeRecycledSegID(segID)),
			Weight: p.Weight,
			Pcoord: initState.Pcoord.Clone(),
		}

		toAgg := res.RecycleTo[ordinal]
		toAgg.Count++
		toAgg.Weight += p.Weight
		res.RecycleTo[ordinal] = toAgg

		res.RecycledParticles = append(res.RecycledParticles, reinjected)
		pool = append(pool, reinjected)
	}

	return pool, nil
}

// targetOrdinals maps each target bin's Index to its position among all
// target bins in RegionSet enumeration order, the key space RecycleFrom and
// RecycleTo report under.
func targetOrdinals(rs region.RegionSet) map[int]int {
	ordinals := make(map[int]int)

	for _, b := range rs.Bins() {
		if b.IsTarget {
			ordinals[b.Index] = len(ordinals)
		}
	}

	return ordinals
}

func (r *Resampler) initialState(index int) (InitialState, error) {
	for _, is := range r.cfg.InitialStates {
		if is.Index == index {
			return is, nil
		}
	}

	return InitialState{}, fmt.Errorf("%w: index=%d", ErrNoInitialState, index)
}

// binLocalResample implements spec §4.2 phase 2 and phase 3 (emit). Particles
// are grouped by the bin their pcoord currently maps to; bins with
// target_count > 0 are split or merged toward that target, other bins pass
// their particles through unchanged. The final particle list is concatenated
// in RegionSet enumeration order.
func (r *Resampler) binLocalResample(rs region.RegionSet, pool []particle.Particle, res *Result) ([]particle.Particle, error) {
	bins := rs.Bins()
	byBin := make([][]workParticle, len(bins))

	for i := range pool {
		p := pool[i]

		idx, err := rs.MapToAllIndices([]particle.Coord{p.Pcoord})
		if err != nil {
			return nil, fmt.Errorf("bin-local resample: map particle to bin: %w", err)
		}

		byBin[idx[0]] = append(byBin[idx[0]], workParticle{p: p, key: p.LineageSegID()})
	}

	out := make([]particle.Particle, 0, len(pool))

	for _, bin := range bins {
		work := byBin[bin.Index]
		if bin.TargetCount > 0 {
			var err error

			work, err = resampleBin(work, bin.TargetCount, res.MergeTerminations)
			if err != nil {
				return nil, err
			}
		}

		for _, w := range work {
			out = append(out, w.p)
		}
	}

	return out, nil
}

// resampleBin splits or merges one bin's particle population toward target,
// mutating mergeTerminations with the seg_id of every particle consumed by a merge.
func resampleBin(work []workParticle, target int, mergeTerminations map[int]struct{}) ([]workParticle, error) {
	for len(work) < target && len(work) > 0 {
		work = splitOne(work, target)
	}

	for len(work) > target && len(work) > 1 {
		var consumedSegID int

		work, consumedSegID = mergeOne(work)
		mergeTerminations[consumedSegID] = struct{}{}
	}

	return work, nil
}

// splitOne picks the highest-weight particle (ties broken by lower lineage
// key) and replaces it with ceil(target/current) copies whose weights sum
// exactly to the original's weight.
func splitOne(work []workParticle, target int) []workParticle {
	best := 0

	for i := 1; i < len(work); i++ {
		if work[i].p.Weight > work[best].p.Weight ||
			(work[i].p.Weight == work[best].p.Weight && work[i].key < work[best].key) {
			best = i
		}
	}

	orig := work[best]
	nCopies := ceilDiv(target, len(work))
	eachWeight := orig.p.Weight / float64(nCopies)

	segID := orig.key
	copies := make([]workParticle, nCopies)

	for i := range copies {
		copies[i] = workParticle{
			p: particle.Particle{
				Weight:    eachWeight,
				Pcoord:    orig.p.Pcoord.Clone(),
				PParentID: particle.IntPtr(segID),
				ParentIDs: []int{segID},
			},
			key: segID,
		}
	}

	next := make([]workParticle, 0, len(work)-1+nCopies)
	next = append(next, work[:best]...)
	next = append(next, work[best+1:]...)
	next = append(next, copies...)

	return next
}

// mergeOne selects the two lowest-weight particles (ties broken by lower
// lineage key) and replaces them with one particle whose weight is their
// sum. The survivor's lineage is the heavier of the two; the lighter's
// lineage seg_id is returned as consumed.
func mergeOne(work []workParticle) ([]workParticle, int) {
	sorted := make([]int, len(work))
	for i := range sorted {
		sorted[i] = i
	}

	sort.Slice(sorted, func(a, b int) bool {
		wa, wb := work[sorted[a]], work[sorted[b]]
		if wa.p.Weight != wb.p.Weight {
			return wa.p.Weight < wb.p.Weight
		}

		return wa.key < wb.key
	})

	lightIdx, heavyIdx := sorted[0], sorted[1]
	if work[lightIdx].p.Weight > work[heavyIdx].p.Weight {
		lightIdx, heavyIdx = heavyIdx, lightIdx
	}

	light, heavy := work[lightIdx], work[heavyIdx]

	parentIDs := unionParentIDs(heavy, light)

	survivor := workParticle{
		p: particle.Particle{
			Weight:    heavy.p.Weight + light.p.Weight,
			Pcoord:    heavy.p.Pcoord.Clone(),
			PParentID: particle.IntPtr(heavy.key),
			ParentIDs: parentIDs,
		},
		key: heavy.key,
	}

	next := make([]workParticle, 0, len(work)-1)

	for i, wp := range work {
		if i == lightIdx || i == heavyIdx {
			continue
		}

		next = append(next, wp)
	}

	next = append(next, survivor)

	return next, light.key
}

func unionParentIDs(heavy, light workParticle) []int {
	set := make(map[int]struct{})

	if len(heavy.p.ParentIDs) > 0 {
		for _, id := range heavy.p.ParentIDs {
			set[id] = struct{}{}
		}
	} else {
		set[heavy.key] = struct{}{}
	}

	if len(light.p.ParentIDs) > 0 {
		for _, id := range light.p.ParentIDs {
			set[id] = struct{}{}
		}
	} else {
		set[light.key] = struct{}{}
	}

	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}

	sort.Ints(out)

	return out
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}

	return (a + b - 1) / b
}

// checkInvariants enforces the resampler-internal invariants of spec §4.2:
// weight conservation, disjoint termination sets, and full seg_id coverage.
func (r *Resampler) checkInvariants(endpoints []particle.Particle, inputWeight float64, res Result) error {
	outputWeight := 0.0
	for i := range res.NextParticles {
		outputWeight += res.NextParticles[i].Weight
	}

	if diff := outputWeight - inputWeight; diff < -WeightTolerance*inputWeight || diff > WeightTolerance*inputWeight {
		return fmt.Errorf("%w: in=%v out=%v", ErrWeightDrift, inputWeight, outputWeight)
	}

	for segID := range res.RecycleTerminations {
		if _, merged := res.MergeTerminations[segID]; merged {
			return fmt.Errorf("%w: seg_id=%d", ErrTerminationOverlap, segID)
		}
	}

	ancestors := make(map[int]struct{})

	for i := range res.NextParticles {
		ancestors[res.NextParticles[i].LineageSegID()] = struct{}{}
	}

	for i := range endpoints {
		segID := endpoints[i].LineageSegID()

		_, recycled := res.RecycleTerminations[segID]
		_, merged := res.MergeTerminations[segID]
		_, ancestor := ancestors[segID]

		if !recycled && !merged && !ancestor {
			return fmt.Errorf("%w: seg_id=%d", ErrUncoveredSegment, segID)
		}
	}

	return nil
}
