// Package region defines the RegionSet contract — the injected bin partition
// that maps progress-coordinate vectors to bin indices — and a concrete
// piecewise-linear implementation over a single progress-coordinate dimension.
package region

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/weensemble/wedriver/pkg/particle"
)

// Sentinel errors.
var (
	ErrOutOfRange    = errors.New("region: pcoord outside partition range")
	ErrNoBins        = errors.New("region: partition has zero bins")
	ErrBadEdges      = errors.New("region: bin edges must be strictly increasing")
	ErrUnknownTarget = errors.New("region: no initial state configured for target bin")
)

// Bin is one cell of a RegionSet partition.
type Bin struct {
	Index int
	// Count is the number of particles currently assigned to this bin.
	Count int
	// Weight is the summed weight of particles currently assigned to this bin.
	Weight float64
	// TargetCount is the occupancy the resampler tries to maintain via split/merge.
	TargetCount int
	// IsTarget marks this bin as a sink: endpoints landing here are recycled
	// rather than split/merged.
	IsTarget bool
	// InitialStateIndex names the initial state a recycled particle leaving
	// this bin is re-injected at. Only meaningful when IsTarget is true.
	InitialStateIndex int
}

// RegionSet is the opaque bin partition injected into the driver and resampler.
// Implementations must be side-effect free in MapToBins/MapToAllIndices: the
// same pcoord sequence must always map to the same bins (testable property 5).
type RegionSet interface {
	// Bins returns the B bins in stable enumeration order.
	Bins() []Bin
	// MapToBins maps each pcoord in seq to the Bin it falls in.
	MapToBins(seq []particle.Coord) ([]Bin, error)
	// MapToAllIndices maps each pcoord in seq to a bin index.
	MapToAllIndices(seq []particle.Coord) ([]int, error)
	// IdentityHash changes iff the partition (edges, target bins, target
	// counts) changes; it is stable across calls otherwise.
	IdentityHash() string
	// ResetOccupancy zeros Count/Weight on every bin, ahead of a fresh tally.
	ResetOccupancy()
	// Tally assigns one particle's weight into the bin its pcoord maps to,
	// updating that bin's Count/Weight. Used by the driver's BIN_INITIAL phase.
	Tally(p particle.Coord, weight float64) error
}

// LinearRegionSet partitions a single progress-coordinate dimension into
// contiguous intervals defined by B+1 increasing edges (edges[0] is the
// partition's lower bound, edges[B] its upper bound). This is the common
// case for a 1-D progress coordinate and mirrors the original WESTPA
// PiecewiseRegionSet for the single-dimension case.
type LinearRegionSet struct {
	edges  []float64
	bins   []Bin
	target []bool
}

// NewLinearRegionSet builds a RegionSet from strictly increasing bin edges
// and a parallel target-count slice (len(edges)-1 entries). targetBins maps
// the index of each sink (recycling target) bin to the initial-state index
// particles recycled from it are re-injected at.
func NewLinearRegionSet(
	edges []float64,
	targetCounts []int,
	targetBins map[int]int,
) (*LinearRegionSet, error) {
	if len(edges) < 2 {
		return nil, ErrNoBins
	}

	for i := 1; i < len(edges); i++ {
		if edges[i] <= edges[i-1] {
			return nil, fmt.Errorf("%w: edges[%d]=%v edges[%d]=%v", ErrBadEdges, i-1, edges[i-1], i, edges[i])
		}
	}

	nBins := len(edges) - 1
	if len(targetCounts) != nBins {
		return nil, fmt.Errorf("region: targetCounts has %d entries, want %d", len(targetCounts), nBins)
	}

	bins := make([]Bin, nBins)
	for i := range bins {
		bins[i] = Bin{Index: i, TargetCount: targetCounts[i]}
	}

	for idx, initIdx := range targetBins {
		if idx < 0 || idx >= nBins {
			return nil, fmt.Errorf("region: target bin index %d out of range", idx)
		}

		bins[idx].IsTarget = true
		bins[idx].InitialStateIndex = initIdx
	}

	rs := &LinearRegionSet{
		edges: append([]float64(nil), edges...),
		bins:  bins,
	}

	return rs, nil
}

// Bins implements RegionSet.
func (rs *LinearRegionSet) Bins() []Bin {
	out := make([]Bin, len(rs.bins))
	copy(out, rs.bins)

	return out
}

func (rs *LinearRegionSet) indexOf(c particle.Coord) (int, error) {
	if len(c) != 1 {
		return 0, fmt.Errorf("region: LinearRegionSet requires d=1 pcoord, got d=%d", len(c))
	}

	v := c[0]
	if v < rs.edges[0] || v > rs.edges[len(rs.edges)-1] {
		return 0, fmt.Errorf("%w: v=%v range=[%v,%v]", ErrOutOfRange, v, rs.edges[0], rs.edges[len(rs.edges)-1])
	}

	nBins := len(rs.edges) - 1

	// Bins are half-open [edges[i], edges[i+1)) except the last, which is
	// closed on the right to include the partition's upper bound.
	idx := sort.Search(nBins, func(i int) bool { return v < rs.edges[i+1] })
	if idx == nBins {
		idx = nBins - 1
	}

	return idx, nil
}

// MapToBins implements RegionSet.
func (rs *LinearRegionSet) MapToBins(seq []particle.Coord) ([]Bin, error) {
	out := make([]Bin, len(seq))

	for i, c := range seq {
		idx, err := rs.indexOf(c)
		if err != nil {
			return nil, err
		}

		out[i] = rs.bins[idx]
	}

	return out, nil
}

// MapToAllIndices implements RegionSet.
func (rs *LinearRegionSet) MapToAllIndices(seq []particle.Coord) ([]int, error) {
	out := make([]int, len(seq))

	for i, c := range seq {
		idx, err := rs.indexOf(c)
		if err != nil {
			return nil, err
		}

		out[i] = idx
	}

	return out, nil
}

// IdentityHash implements RegionSet.
func (rs *LinearRegionSet) IdentityHash() string {
	h := sha256.New()

	for _, e := range rs.edges {
		fmt.Fprintf(h, "%x|", math.Float64bits(e))
	}

	for _, b := range rs.bins {
		fmt.Fprintf(h, "%d:%d:%t:%d|", b.Index, b.TargetCount, b.IsTarget, b.InitialStateIndex)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// ResetOccupancy implements RegionSet.
func (rs *LinearRegionSet) ResetOccupancy() {
	for i := range rs.bins {
		rs.bins[i].Count = 0
		rs.bins[i].Weight = 0
	}
}

// Tally implements RegionSet.
func (rs *LinearRegionSet) Tally(p particle.Coord, weight float64) error {
	idx, err := rs.indexOf(p)
	if err != nil {
		return err
	}

	rs.bins[idx].Count++
	rs.bins[idx].Weight += weight

	return nil
}

// InitialStateFor returns the initial-state index configured for a target
// bin, and an error if the bin is not a recognized target.
func (rs *LinearRegionSet) InitialStateFor(binIndex int) (int, error) {
	if binIndex < 0 || binIndex >= len(rs.bins) || !rs.bins[binIndex].IsTarget {
		return 0, fmt.Errorf("%w: bin=%d", ErrUnknownTarget, binIndex)
	}

	return rs.bins[binIndex].InitialStateIndex, nil
}
