package resample_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weensemble/wedriver/pkg/particle"
	"github.com/weensemble/wedriver/pkg/region"
	"github.com/weensemble/wedriver/pkg/resample"
)

// S1: one bin, target_count=3, single particle of weight 1.0 splits into
// three equal-weight offspring.
func TestResample_S1_Split(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1}, []int{3}, nil)
	require.NoError(t, err)

	r := resample.New(resample.Config{})

	endpoints := []particle.Particle{
		{SegID: particle.IntPtr(0), Weight: 1.0, Pcoord: particle.Coord{0.5}},
	}

	res, err := r.Resample(rs, endpoints)
	require.NoError(t, err)

	require.Len(t, res.NextParticles, 3)
	assert.Empty(t, res.MergeTerminations)
	assert.Empty(t, res.RecycleTerminations)

	total := 0.0

	for _, p := range res.NextParticles {
		assert.InDelta(t, 1.0/3.0, p.Weight, 1e-12)
		assert.Equal(t, []int{0}, p.ParentIDs)
		require.NotNil(t, p.PParentID)
		assert.Equal(t, 0, *p.PParentID)
		total += p.Weight
	}

	assert.InDelta(t, 1.0, total, 1e-12)
}

// S2: one bin, target_count=1, two particles merge into one.
func TestResample_S2_Merge(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1}, []int{1}, nil)
	require.NoError(t, err)

	r := resample.New(resample.Config{})

	endpoints := []particle.Particle{
		{SegID: particle.IntPtr(0), Weight: 0.25, Pcoord: particle.Coord{0.2}},
		{SegID: particle.IntPtr(1), Weight: 0.75, Pcoord: particle.Coord{0.6}},
	}

	res, err := r.Resample(rs, endpoints)
	require.NoError(t, err)

	require.Len(t, res.NextParticles, 1)
	survivor := res.NextParticles[0]

	assert.InDelta(t, 1.0, survivor.Weight, 1e-12)
	require.NotNil(t, survivor.PParentID)
	assert.Equal(t, 1, *survivor.PParentID)
	assert.ElementsMatch(t, []int{0, 1}, survivor.ParentIDs)
	assert.Equal(t, map[int]struct{}{0: {}}, res.MergeTerminations)
	assert.Empty(t, res.RecycleTerminations)
}

// S3: two bins, the second a recycling target; the endpoint landing there is
// recycled and re-injected at the configured initial state with equal weight.
func TestResample_S3_Recycle(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1, 2}, []int{0, 0}, map[int]int{1: 0})
	require.NoError(t, err)

	r := resample.New(resample.Config{
		InitialStates: []resample.InitialState{{Index: 0, Pcoord: particle.Coord{0.1}}},
	})

	endpoints := []particle.Particle{
		{SegID: particle.IntPtr(0), Weight: 0.4, Pcoord: particle.Coord{0.2}},
		{SegID: particle.IntPtr(1), Weight: 0.6, Pcoord: particle.Coord{1.5}},
	}

	res, err := r.Resample(rs, endpoints)
	require.NoError(t, err)

	assert.Equal(t, map[int]struct{}{1: {}}, res.RecycleTerminations)
	assert.Empty(t, res.MergeTerminations)

	agg, ok := res.RecycleFrom[0]
	require.True(t, ok)
	assert.Equal(t, 1, agg.Count)
	assert.InDelta(t, 0.6, agg.Weight, 1e-12)

	require.Len(t, res.RecycledParticles, 1)
	assert.InDelta(t, 0.6, res.RecycledParticles[0].Weight, 1e-12)

	total := 0.0
	for _, p := range res.NextParticles {
		total += p.Weight
	}

	assert.InDelta(t, 1.0, total, 1e-12)
}

func TestResample_S4_ThreeIterationsOneBinTargetFour(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1}, []int{4}, nil)
	require.NoError(t, err)

	r := resample.New(resample.Config{})

	endpoints := []particle.Particle{
		{SegID: particle.IntPtr(0), Weight: 0.3, Pcoord: particle.Coord{0.3}},
		{SegID: particle.IntPtr(1), Weight: 0.7, Pcoord: particle.Coord{0.7}},
	}

	ancestry := map[int][]int{0: {0}, 1: {1}}

	for iter := 0; iter < 3; iter++ {
		res, err := r.Resample(rs, endpoints)
		require.NoError(t, err)
		require.Len(t, res.NextParticles, 4)

		total := 0.0
		next := make([]particle.Particle, len(res.NextParticles))
		nextAncestry := make(map[int][]int)

		for i, p := range res.NextParticles {
			total += p.Weight

			root := rootAncestors(p, ancestry)
			assert.Contains(t, [][]int{{0}, {1}, {0, 1}}, root)

			newSegID := i
			next[i] = particle.Particle{
				SegID:  particle.IntPtr(newSegID),
				Weight: p.Weight,
				Pcoord: p.Pcoord,
			}
			nextAncestry[newSegID] = root
		}

		assert.InDelta(t, 1.0, total, 1e-9)

		endpoints = next
		ancestry = nextAncestry

		for i := range endpoints {
			endpoints[i].Pcoord = particle.Coord{0.1 + 0.1*float64(i)}
		}
	}
}

func rootAncestors(p particle.Particle, ancestry map[int][]int) []int {
	set := make(map[int]struct{})

	ids := p.ParentIDs
	if len(ids) == 0 {
		ids = []int{p.LineageSegID()}
	}

	for _, id := range ids {
		for _, root := range ancestry[id] {
			set[root] = struct{}{}
		}
	}

	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}

	return sortedInts(out)
}

func sortedInts(in []int) []int {
	for i := 1; i < len(in); i++ {
		for j := i; j > 0 && in[j-1] > in[j]; j-- {
			in[j-1], in[j] = in[j], in[j-1]
		}
	}

	return in
}
