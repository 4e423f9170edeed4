package imaging

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// PointMapper maps a physical point, reporting whether the result is inside
// the mapping's support. Every transform satisfies it.
type PointMapper interface {
	TransformPoint(p r2.Vec) (r2.Vec, bool)
}

// Mask selects the physical points that take part in sampling.
type Mask interface {
	IsInside(p r2.Vec) bool
}

// ImageMask treats the non-zero pixels of an image as inside, using the
// nearest pixel.
type ImageMask struct {
	Image *Image
}

// IsInside implements Mask.
func (m ImageMask) IsInside(p r2.Vec) bool {
	x, y, ok := m.Image.PointToIndex(p)
	if !ok {
		return false
	}
	return m.Image.At(x, y) != 0
}

// PointSet is an ordered list of physical points.
type PointSet []r2.Vec

// WarpedImage is an image resampled onto a grid, with a per-pixel flag for
// samples whose mapped point fell inside the source buffer.
type WarpedImage struct {
	*Image
	Valid []bool
}

// Resample maps every pixel of grid through t and linearly interpolates img
// there. Pixels that map outside t's support or img's buffer are zero and
// flagged invalid.
func Resample(img *Image, t PointMapper, grid Grid) *WarpedImage {
	out := &WarpedImage{Image: New(grid), Valid: make([]bool, grid.NumberOfPixels())}
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			k := grid.LinearIndex(x, y)
			mapped, inside := t.TransformPoint(grid.IndexToPoint(float64(x), float64(y)))
			if !inside {
				continue
			}
			v, ok := img.Value(mapped)
			if !ok {
				continue
			}
			out.Pix[k] = v
			out.Valid[k] = true
		}
	}
	return out
}

// Shrink subsamples img by an integer factor along both axes. The output
// pixels sit at the centres of the factor x factor input blocks, so the
// physical extent is preserved. The input should be smoothed first.
func Shrink(img *Image, factor int) *Image {
	if factor <= 1 {
		return img.Clone()
	}
	g := img.Grid
	w := int(math.Max(1, math.Floor(float64(g.Width)/float64(factor))))
	h := int(math.Max(1, math.Floor(float64(g.Height)/float64(factor))))
	offset := float64(factor-1) / 2

	out := New(Grid{
		Width:     w,
		Height:    h,
		Origin:    g.IndexToPoint(offset, offset),
		Spacing:   r2.Scale(float64(factor), g.Spacing),
		Direction: g.direction(),
	})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, img.interpolateIndex(float64(x*factor)+offset, float64(y*factor)+offset))
		}
	}
	return out
}
