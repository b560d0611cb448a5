package region_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weensemble/wedriver/pkg/particle"
	"github.com/weensemble/wedriver/pkg/region"
)

func TestLinearRegionSet_MapToBins(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1, 2}, []int{4, 4}, nil)
	require.NoError(t, err)

	bins, err := rs.MapToBins([]particle.Coord{{0.5}, {1.5}, {2.0}})
	require.NoError(t, err)
	require.Len(t, bins, 3)
	assert.Equal(t, 0, bins[0].Index)
	assert.Equal(t, 1, bins[1].Index)
	assert.Equal(t, 1, bins[2].Index, "upper bound is inclusive in the last bin")
}

func TestLinearRegionSet_MapToBins_OutOfRange(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1}, []int{4}, nil)
	require.NoError(t, err)

	_, err = rs.MapToBins([]particle.Coord{{2.0}})
	require.ErrorIs(t, err, region.ErrOutOfRange)
}

func TestLinearRegionSet_IdentityHash_Purity(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1, 2}, []int{4, 4}, map[int]int{1: 0})
	require.NoError(t, err)

	h1 := rs.IdentityHash()
	h2 := rs.IdentityHash()
	assert.Equal(t, h1, h2)

	_, err = rs.MapToBins([]particle.Coord{{0.1}, {1.9}})
	require.NoError(t, err)
	assert.Equal(t, h1, rs.IdentityHash(), "mapping calls must not mutate the partition")

	other, err := region.NewLinearRegionSet([]float64{0, 1, 2}, []int{4, 5}, map[int]int{1: 0})
	require.NoError(t, err)
	assert.NotEqual(t, h1, other.IdentityHash())
}

func TestLinearRegionSet_TallyAndReset(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1, 2}, []int{4, 4}, nil)
	require.NoError(t, err)

	require.NoError(t, rs.Tally(particle.Coord{0.5}, 0.3))
	require.NoError(t, rs.Tally(particle.Coord{1.5}, 0.7))

	bins := rs.Bins()
	assert.Equal(t, 1, bins[0].Count)
	assert.InDelta(t, 0.3, bins[0].Weight, 1e-12)
	assert.Equal(t, 1, bins[1].Count)
	assert.InDelta(t, 0.7, bins[1].Weight, 1e-12)

	rs.ResetOccupancy()

	bins = rs.Bins()
	assert.Equal(t, 0, bins[0].Count)
	assert.Equal(t, 0.0, bins[0].Weight)
}

func TestLinearRegionSet_InitialStateFor(t *testing.T) {
	t.Parallel()

	rs, err := region.NewLinearRegionSet([]float64{0, 1, 2}, []int{4, 0}, map[int]int{1: 2})
	require.NoError(t, err)

	idx, err := rs.InitialStateFor(1)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = rs.InitialStateFor(0)
	require.ErrorIs(t, err, region.ErrUnknownTarget)
}

func TestNewLinearRegionSet_RejectsBadEdges(t *testing.T) {
	t.Parallel()

	_, err := region.NewLinearRegionSet([]float64{0, 1, 1}, []int{4, 4}, nil)
	require.ErrorIs(t, err, region.ErrBadEdges)

	_, err = region.NewLinearRegionSet([]float64{0}, []int{}, nil)
	require.ErrorIs(t, err, region.ErrNoBins)
}
