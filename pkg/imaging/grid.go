// Package imaging holds the image and point-set providers the registration
// core samples from: physical grids, scalar and vector images with linear
// interpolation and gradients, masks, resampling and pyramid helpers.
//
// Buffers are stored in row-major order (x fastest), the same layout the
// slice volumes used.
package imaging

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Direction is a row-major 2x2 orientation matrix.
type Direction [4]float64

// IdentityDirection is the axis-aligned orientation.
var IdentityDirection = Direction{1, 0, 0, 1}

// Grid describes the physical geometry of a 2D pixel lattice.
type Grid struct {
	Width, Height int
	Origin        r2.Vec
	Spacing       r2.Vec
	Direction     Direction
}

// NewGrid returns a width x height grid with unit spacing, zero origin and
// identity direction.
func NewGrid(width, height int) Grid {
	return Grid{
		Width:     width,
		Height:    height,
		Spacing:   r2.Vec{X: 1, Y: 1},
		Direction: IdentityDirection,
	}
}

// Region is a rectangular block of pixel indices.
type Region struct {
	X, Y          int
	Width, Height int
}

// NumberOfPixels returns the pixel count of the region.
func (r Region) NumberOfPixels() int { return r.Width * r.Height }

// NumberOfPixels returns the pixel count of the grid.
func (g Grid) NumberOfPixels() int { return g.Width * g.Height }

// Region returns the full index region of the grid.
func (g Grid) Region() Region { return Region{Width: g.Width, Height: g.Height} }

// LinearIndex returns the row-major offset of pixel (x, y).
func (g Grid) LinearIndex(x, y int) int { return y*g.Width + x }

func (g Grid) direction() Direction {
	if g.Direction == (Direction{}) {
		return IdentityDirection
	}
	return g.Direction
}

// IndexToPoint maps a (possibly continuous) index to physical space.
func (g Grid) IndexToPoint(i, j float64) r2.Vec {
	d := g.direction()
	u := i * g.Spacing.X
	v := j * g.Spacing.Y
	return r2.Vec{
		X: g.Origin.X + d[0]*u + d[1]*v,
		Y: g.Origin.Y + d[2]*u + d[3]*v,
	}
}

// PointToContinuousIndex maps a physical point to a continuous index.
func (g Grid) PointToContinuousIndex(p r2.Vec) (float64, float64) {
	d := g.direction()
	q := r2.Sub(p, g.Origin)
	det := d[0]*d[3] - d[1]*d[2]
	u := (d[3]*q.X - d[1]*q.Y) / det
	v := (-d[2]*q.X + d[0]*q.Y) / det
	return u / g.Spacing.X, v / g.Spacing.Y
}

// PointToIndex returns the nearest pixel index and whether it lies inside
// the grid.
func (g Grid) PointToIndex(p r2.Vec) (int, int, bool) {
	ci, cj := g.PointToContinuousIndex(p)
	i := int(math.Floor(ci + 0.5))
	j := int(math.Floor(cj + 0.5))
	return i, j, i >= 0 && j >= 0 && i < g.Width && j < g.Height
}

// IsInsideBuffer reports whether p falls within half a pixel of the lattice.
func (g Grid) IsInsideBuffer(p r2.Vec) bool {
	ci, cj := g.PointToContinuousIndex(p)
	return ci >= -0.5 && cj >= -0.5 && ci < float64(g.Width)-0.5 && cj < float64(g.Height)-0.5
}

// Congruent reports whether two grids share size, spacing, origin and
// direction within tol.
func (g Grid) Congruent(o Grid, tol float64) bool {
	if g.Width != o.Width || g.Height != o.Height {
		return false
	}
	near := func(a, b float64) bool { return math.Abs(a-b) <= tol }
	if !near(g.Origin.X, o.Origin.X) || !near(g.Origin.Y, o.Origin.Y) {
		return false
	}
	if !near(g.Spacing.X, o.Spacing.X) || !near(g.Spacing.Y, o.Spacing.Y) {
		return false
	}
	a, b := g.direction(), o.direction()
	for k := range a {
		if !near(a[k], b[k]) {
			return false
		}
	}
	return true
}

// MinimumSpacing returns the smaller of the two spacings.
func (g Grid) MinimumSpacing() float64 {
	return math.Min(g.Spacing.X, g.Spacing.Y)
}

// Center returns the physical location of the grid centre.
func (g Grid) Center() r2.Vec {
	return g.IndexToPoint(float64(g.Width-1)/2, float64(g.Height-1)/2)
}

// Corners returns the physical positions of the four corner pixels.
func (g Grid) Corners() []r2.Vec {
	w, h := float64(g.Width-1), float64(g.Height-1)
	return []r2.Vec{
		g.IndexToPoint(0, 0),
		g.IndexToPoint(w, 0),
		g.IndexToPoint(0, h),
		g.IndexToPoint(w, h),
	}
}

// covariantToPhysical maps an index-space derivative (d/di, d/dj, already
// divided by spacing) into a physical gradient, D^-T g.
func (g Grid) covariantToPhysical(gi, gj float64) r2.Vec {
	d := g.direction()
	det := d[0]*d[3] - d[1]*d[2]
	// D^-1 = [d3 -d1; -d2 d0] / det, transposed.
	return r2.Vec{
		X: (d[3]*gi - d[2]*gj) / det,
		Y: (-d[1]*gi + d[0]*gj) / det,
	}
}
