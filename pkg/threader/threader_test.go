package threader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrislicereg/pkg/imaging"
)

func TestSplitRangeCoversDomainOnce(t *testing.T) {
	for _, tc := range []struct{ n, workers, want int }{
		{10, 3, 3},
		{2, 8, 2},
		{7, 1, 1},
		{100, 7, 7},
	} {
		ranges := SplitRange(tc.n, tc.workers)
		require.Len(t, ranges, tc.want)

		next := 0
		for _, r := range ranges {
			assert.Equal(t, next, r.Start)
			assert.Positive(t, r.Len())
			next = r.End
		}
		assert.Equal(t, tc.n, next)
	}
	assert.Empty(t, SplitRange(0, 4))
}

func TestSplitRegionUsesRowBands(t *testing.T) {
	region := imaging.Region{X: 2, Y: 1, Width: 5, Height: 9}
	bands := SplitRegion(region, 4)
	require.Len(t, bands, 4)

	total := 0
	y := region.Y
	for _, b := range bands {
		assert.Equal(t, region.X, b.X)
		assert.Equal(t, region.Width, b.Width)
		assert.Equal(t, y, b.Y)
		y += b.Height
		total += b.NumberOfPixels()
	}
	assert.Equal(t, region.NumberOfPixels(), total)
}

func TestDispatchRunsEveryWorker(t *testing.T) {
	var seen [6]atomic.Bool
	err := Dispatch(len(seen), func(_ context.Context, w int) error {
		seen[w].Store(true)
		return nil
	})
	require.NoError(t, err)
	for i := range seen {
		assert.True(t, seen[i].Load(), "worker %d did not run", i)
	}
}

func TestDispatchReturnsFirstErrorAndCancels(t *testing.T) {
	boom := errors.New("bad sample")
	var cancelled atomic.Int32

	err := Dispatch(4, func(ctx context.Context, w int) error {
		if w == 2 {
			return boom
		}
		<-ctx.Done()
		cancelled.Add(1)
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), cancelled.Load())
}
