package smoothing

import (
	"math"
	"testing"
)

// TestGaussianPreservesConstant verifies that a flat buffer passes through
// the filter unchanged, edges included.
func TestGaussianPreservesConstant(t *testing.T) {
	width, height := 17, 9
	data := make([]float64, width*height)
	for i := range data {
		data[i] = 3.5
	}

	out := Gaussian(data, width, height, 2.0, 1.5)
	for i, v := range out {
		if math.Abs(v-3.5) > 1e-9 {
			t.Fatalf("pixel %d: expected 3.5, got %f", i, v)
		}
	}
}

// TestGaussianSpreadsImpulse checks that an impulse is spread symmetrically
// and that its mass is preserved away from the borders.
func TestGaussianSpreadsImpulse(t *testing.T) {
	width, height := 33, 33
	data := make([]float64, width*height)
	centre := 16*width + 16
	data[centre] = 1

	out := Gaussian(data, width, height, 2.0, 2.0)

	sum := 0.0
	for _, v := range out {
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("expected mass 1, got %f", sum)
	}

	if out[centre] >= 1 || out[centre] <= 0 {
		t.Errorf("expected centre value in (0,1), got %f", out[centre])
	}

	left := out[16*width+13]
	right := out[16*width+19]
	if math.Abs(left-right) > 1e-9 {
		t.Errorf("expected symmetric response, got %f and %f", left, right)
	}

	// Original buffer is untouched
	if data[centre] != 1 {
		t.Errorf("input buffer was modified")
	}
}

// TestGaussianZeroSigma ensures a zero sigma is a no-op on that axis.
func TestGaussianZeroSigma(t *testing.T) {
	data := []float64{0, 1, 0, 0, 2, 0}
	out := Gaussian(data, 3, 2, 0, 0)
	for i := range data {
		if out[i] != data[i] {
			t.Errorf("index %d: expected %f, got %f", i, data[i], out[i])
		}
	}
}

// TestGaussianInterleaved filters each component independently.
func TestGaussianInterleaved(t *testing.T) {
	width, height := 8, 8
	data := make([]float64, width*height*2)
	for i := 0; i < width*height; i++ {
		data[2*i] = 1
		data[2*i+1] = -2
	}

	GaussianInterleaved(data, width, height, 2, 1.0, 1.0)
	for i := 0; i < width*height; i++ {
		if math.Abs(data[2*i]-1) > 1e-9 || math.Abs(data[2*i+1]+2) > 1e-9 {
			t.Fatalf("pixel %d: got (%f, %f)", i, data[2*i], data[2*i+1])
		}
	}
}

func TestReflect(t *testing.T) {
	cases := []struct{ i, n, want int }{
		{0, 5, 0},
		{-1, 5, 1},
		{-2, 5, 2},
		{5, 5, 3},
		{6, 5, 2},
		{-7, 5, 1},
		{3, 1, 0},
	}
	for _, c := range cases {
		if got := reflect(c.i, c.n); got != c.want {
			t.Errorf("reflect(%d, %d) = %d, want %d", c.i, c.n, got, c.want)
		}
	}
}
