package restrack_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weensemble/wedriver/pkg/restrack"
)

func TestTracker_TimeAccumulates(t *testing.T) {
	t.Parallel()

	tr := restrack.New()

	err := tr.Time(restrack.PhasePropagate, func() error {
		time.Sleep(time.Millisecond)

		return nil
	})
	require.NoError(t, err)

	err = tr.Time(restrack.PhasePropagate, func() error {
		time.Sleep(time.Millisecond)

		return nil
	})
	require.NoError(t, err)

	totals := tr.Totals()
	sample, ok := totals[restrack.PhasePropagate]
	require.True(t, ok)
	assert.GreaterOrEqual(t, sample.Wall, 2*time.Millisecond)
}

func TestTracker_TimePropagatesError(t *testing.T) {
	t.Parallel()

	tr := restrack.New()
	sentinel := errors.New("boom")

	err := tr.Time(restrack.PhasePrepare, func() error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, ok := tr.Last(restrack.PhasePrepare)
	assert.True(t, ok, "a sample is recorded even when fn fails")
}

func TestTracker_Dump(t *testing.T) {
	t.Parallel()

	tr := restrack.New()
	require.NoError(t, tr.Time(restrack.PhaseCommit, func() error { return nil }))

	var buf strings.Builder

	require.NoError(t, tr.Dump(&buf))
	assert.Contains(t, buf.String(), "commit")
}
