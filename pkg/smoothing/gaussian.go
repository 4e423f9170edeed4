// Package smoothing provides frequency-domain Gaussian filtering of row-major
// 2D buffers. It backs the image pyramid, the gradient image filter and the
// update regularisation of displacement fields.
package smoothing

// Gaussian returns a copy of data (width*height samples, row-major) filtered
// separably with standard deviations sigmaX and sigmaY, both in samples.
// A non-positive sigma leaves that axis untouched.
func Gaussian(data []float64, width, height int, sigmaX, sigmaY float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	GaussianInPlace(out, width, height, sigmaX, sigmaY)
	return out
}

// GaussianInPlace filters data in place. See Gaussian.
func GaussianInPlace(data []float64, width, height int, sigmaX, sigmaY float64) {
	if width*height != len(data) || width == 0 || height == 0 {
		return
	}

	if sigmaX > 0 {
		for y := 0; y < height; y++ {
			gaussian1D(data[y*width:(y+1)*width], sigmaX)
		}
	}

	if sigmaY > 0 {
		col := make([]float64, height)
		for x := 0; x < width; x++ {
			for y := 0; y < height; y++ {
				col[y] = data[y*width+x]
			}
			gaussian1D(col, sigmaY)
			for y := 0; y < height; y++ {
				data[y*width+x] = col[y]
			}
		}
	}
}

// GaussianInterleaved filters a buffer of width*height pixels with
// components values per pixel, each component independently.
func GaussianInterleaved(data []float64, width, height, components int, sigmaX, sigmaY float64) {
	n := width * height
	if components < 1 || n*components != len(data) {
		return
	}
	plane := make([]float64, n)
	for c := 0; c < components; c++ {
		for i := 0; i < n; i++ {
			plane[i] = data[i*components+c]
		}
		GaussianInPlace(plane, width, height, sigmaX, sigmaY)
		for i := 0; i < n; i++ {
			data[i*components+c] = plane[i]
		}
	}
}
