package imaging

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Image is a scalar image on a physical grid.
type Image struct {
	Grid
	// Pix holds Width*Height samples in row-major order.
	Pix []float64
}

// New allocates a zero image on g.
func New(g Grid) *Image {
	return &Image{Grid: g, Pix: make([]float64, g.NumberOfPixels())}
}

// FromFunc samples f at every pixel centre of g.
func FromFunc(g Grid, f func(p r2.Vec) float64) *Image {
	img := New(g)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			img.Pix[g.LinearIndex(x, y)] = f(g.IndexToPoint(float64(x), float64(y)))
		}
	}
	return img
}

// At returns the pixel at (x, y).
func (im *Image) At(x, y int) float64 { return im.Pix[y*im.Width+x] }

// Set stores v at (x, y).
func (im *Image) Set(x, y int, v float64) { im.Pix[y*im.Width+x] = v }

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	c := &Image{Grid: im.Grid, Pix: make([]float64, len(im.Pix))}
	copy(c.Pix, im.Pix)
	return c
}

// clampedAt reads a pixel with edge clamping.
func (im *Image) clampedAt(x, y int) float64 {
	x = clamp(x, 0, im.Width-1)
	y = clamp(y, 0, im.Height-1)
	return im.Pix[y*im.Width+x]
}

// interpolateIndex evaluates the bilinear interpolant at a continuous index.
func (im *Image) interpolateIndex(ci, cj float64) float64 {
	x0 := math.Floor(ci)
	y0 := math.Floor(cj)
	fx := ci - x0
	fy := cj - y0
	ix, iy := int(x0), int(y0)

	v00 := im.clampedAt(ix, iy)
	v10 := im.clampedAt(ix+1, iy)
	v01 := im.clampedAt(ix, iy+1)
	v11 := im.clampedAt(ix+1, iy+1)

	top := v00 + fx*(v10-v00)
	bottom := v01 + fx*(v11-v01)
	return top + fy*(bottom-top)
}

// Value returns the linearly interpolated intensity at p and whether p is
// inside the buffer. Outside points report zero.
func (im *Image) Value(p r2.Vec) (float64, bool) {
	if !im.IsInsideBuffer(p) {
		return 0, false
	}
	ci, cj := im.PointToContinuousIndex(p)
	return im.interpolateIndex(ci, cj), true
}

// Gradient returns the physical-space intensity gradient at p by central
// differences of the interpolant one pixel either side.
func (im *Image) Gradient(p r2.Vec) (r2.Vec, bool) {
	if !im.IsInsideBuffer(p) {
		return r2.Vec{}, false
	}
	ci, cj := im.PointToContinuousIndex(p)
	gi := (im.interpolateIndex(ci+1, cj) - im.interpolateIndex(ci-1, cj)) / (2 * im.Spacing.X)
	gj := (im.interpolateIndex(ci, cj+1) - im.interpolateIndex(ci, cj-1)) / (2 * im.Spacing.Y)
	return im.covariantToPhysical(gi, gj), true
}

// MinMax returns the smallest and largest pixel values.
func (im *Image) MinMax() (float64, float64) {
	if len(im.Pix) == 0 {
		return 0, 0
	}
	lo, hi := im.Pix[0], im.Pix[0]
	for _, v := range im.Pix[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
