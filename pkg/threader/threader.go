// Package threader partitions a sampling domain into static, disjoint work
// units and runs one goroutine per unit.
//
// Partitions are fixed once per run: there is no work stealing, and the
// dispatch call blocks until every worker has returned.
package threader

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"mrislicereg/pkg/imaging"
)

// Range is the half-open index interval [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.End - r.Start }

// Workers resolves a requested worker count, treating n <= 0 as "all CPUs".
func Workers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// SplitRange divides [0, n) into at most workers contiguous ranges of
// near-equal length. Fewer ranges are returned when n < workers.
func SplitRange(n, workers int) []Range {
	workers = Workers(workers)
	if n <= 0 {
		return nil
	}
	if workers > n {
		workers = n
	}
	out := make([]Range, 0, workers)
	per := n / workers
	extra := n % workers
	start := 0
	for w := 0; w < workers; w++ {
		size := per
		if w < extra {
			size++
		}
		out = append(out, Range{Start: start, End: start + size})
		start += size
	}
	return out
}

// SplitRegion divides a dense region into at most workers bands of whole
// rows, the slowest-varying axis.
func SplitRegion(r imaging.Region, workers int) []imaging.Region {
	rows := SplitRange(r.Height, workers)
	out := make([]imaging.Region, 0, len(rows))
	for _, rr := range rows {
		out = append(out, imaging.Region{
			X:      r.X,
			Y:      r.Y + rr.Start,
			Width:  r.Width,
			Height: rr.Len(),
		})
	}
	return out
}

// Dispatch runs fn once per worker index in [0, n) and blocks until all of
// them return. The first error is returned; the context handed to the
// workers is cancelled at that point so long-running workers can stop at
// their next check.
func Dispatch(n int, fn func(ctx context.Context, worker int) error) error {
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < n; w++ {
		g.Go(func() error {
			return fn(ctx, w)
		})
	}
	return g.Wait()
}
