package imaging

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"mrislicereg/pkg/smoothing"
)

// VectorImage is a two-component image, used for displacement fields and
// precomputed gradient images.
type VectorImage struct {
	Grid
	// Pix holds 2*Width*Height values, interleaved (x0, y0, x1, y1, ...).
	Pix []float64
}

// NewVector allocates a zero vector image on g.
func NewVector(g Grid) *VectorImage {
	return &VectorImage{Grid: g, Pix: make([]float64, 2*g.NumberOfPixels())}
}

// At returns the vector stored at (x, y).
func (vi *VectorImage) At(x, y int) r2.Vec {
	k := 2 * (y*vi.Width + x)
	return r2.Vec{X: vi.Pix[k], Y: vi.Pix[k+1]}
}

// Set stores v at (x, y).
func (vi *VectorImage) Set(x, y int, v r2.Vec) {
	k := 2 * (y*vi.Width + x)
	vi.Pix[k] = v.X
	vi.Pix[k+1] = v.Y
}

func (vi *VectorImage) clampedAt(x, y int) r2.Vec {
	return vi.At(clamp(x, 0, vi.Width-1), clamp(y, 0, vi.Height-1))
}

// interpolateIndex evaluates the bilinear interpolant at a continuous index.
func (vi *VectorImage) interpolateIndex(ci, cj float64) r2.Vec {
	x0 := math.Floor(ci)
	y0 := math.Floor(cj)
	fx := ci - x0
	fy := cj - y0
	ix, iy := int(x0), int(y0)

	v00 := vi.clampedAt(ix, iy)
	v10 := vi.clampedAt(ix+1, iy)
	v01 := vi.clampedAt(ix, iy+1)
	v11 := vi.clampedAt(ix+1, iy+1)

	top := r2.Add(v00, r2.Scale(fx, r2.Sub(v10, v00)))
	bottom := r2.Add(v01, r2.Scale(fx, r2.Sub(v11, v01)))
	return r2.Add(top, r2.Scale(fy, r2.Sub(bottom, top)))
}

// Value returns the interpolated vector at p and whether p is inside the
// buffer.
func (vi *VectorImage) Value(p r2.Vec) (r2.Vec, bool) {
	if !vi.IsInsideBuffer(p) {
		return r2.Vec{}, false
	}
	ci, cj := vi.PointToContinuousIndex(p)
	return vi.interpolateIndex(ci, cj), true
}

// SpatialJacobian returns d(field)/d(point) at p as a row-major 2x2 array.
// Rows are vector components, columns physical axes.
func (vi *VectorImage) SpatialJacobian(p r2.Vec) ([4]float64, bool) {
	if !vi.IsInsideBuffer(p) {
		return [4]float64{}, false
	}
	ci, cj := vi.PointToContinuousIndex(p)
	di := r2.Scale(1/(2*vi.Spacing.X), r2.Sub(vi.interpolateIndex(ci+1, cj), vi.interpolateIndex(ci-1, cj)))
	dj := r2.Scale(1/(2*vi.Spacing.Y), r2.Sub(vi.interpolateIndex(ci, cj+1), vi.interpolateIndex(ci, cj-1)))
	gx := vi.covariantToPhysical(di.X, dj.X)
	gy := vi.covariantToPhysical(di.Y, dj.Y)
	return [4]float64{gx.X, gx.Y, gy.X, gy.Y}, true
}

// GradientImage precomputes the physical gradient of img at every pixel.
// When sigma (physical units) is positive the image is Gaussian smoothed
// first.
func GradientImage(img *Image, sigma float64) *VectorImage {
	src := img
	if sigma > 0 {
		src = Smooth(img, sigma)
	}
	out := NewVector(img.Grid)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			gi := (src.clampedAt(x+1, y) - src.clampedAt(x-1, y)) / (float64(span(x, img.Width)) * img.Spacing.X)
			gj := (src.clampedAt(x, y+1) - src.clampedAt(x, y-1)) / (float64(span(y, img.Height)) * img.Spacing.Y)
			out.Set(x, y, img.covariantToPhysical(gi, gj))
		}
	}
	return out
}

// span is the index distance covered by a clamped central difference.
func span(i, n int) int {
	if n < 2 {
		return 1
	}
	if i == 0 || i == n-1 {
		return 1
	}
	return 2
}

// Smooth returns img filtered by a Gaussian with standard deviation sigma in
// physical units.
func Smooth(img *Image, sigma float64) *Image {
	if sigma <= 0 {
		return img.Clone()
	}
	out := &Image{Grid: img.Grid}
	out.Pix = smoothing.Gaussian(img.Pix, img.Width, img.Height, sigma/img.Spacing.X, sigma/img.Spacing.Y)
	return out
}
