package registration

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"mrislicereg/pkg/imaging"
	"mrislicereg/pkg/transform"
)

// qualityBins is the histogram resolution used by the entropy and mutual
// information measures.
const qualityBins = 32

// Quality holds similarity measures between the fixed image and the moving
// image resampled through the final transform. They are computed over the
// pixels whose mapped point falls inside the moving image.
type Quality struct {
	// ValidPixels is the number of pixels compared.
	ValidPixels int

	// RMSE (Root Mean Square Error) is the root of the mean squared
	// intensity difference. Lower is better.
	RMSE float64

	// MI (Mutual Information) in bits, from a joint intensity histogram.
	// Higher values indicate stronger statistical dependency.
	MI float64

	// NCC is the Pearson correlation of the intensities, in [-1, 1].
	NCC float64

	// EntropyDiff is the absolute difference of the marginal entropies in
	// bits. Lower is better.
	EntropyDiff float64

	// SSIM (Structural Similarity Index) computed globally, with the
	// dynamic range taken from the fixed intensities. 1 means identical.
	SSIM float64
}

// MeasureQuality resamples moving onto the fixed grid through t and compares
// the overlapping pixels.
func MeasureQuality(fixed, moving *imaging.Image, t transform.Transform) Quality {
	warped := imaging.Resample(moving, t, fixed.Grid)
	f := make([]float64, 0, len(fixed.Pix))
	m := make([]float64, 0, len(fixed.Pix))
	for k, ok := range warped.Valid {
		if !ok {
			continue
		}
		f = append(f, fixed.Pix[k])
		m = append(m, warped.Pix[k])
	}
	return Compare(f, m)
}

// Compare computes Quality for paired intensity samples. Mismatched or empty
// inputs give the zero Quality.
func Compare(fixed, moving []float64) Quality {
	n := len(fixed)
	if n != len(moving) || n == 0 {
		return Quality{}
	}
	return Quality{
		ValidPixels: n,
		RMSE:        rmse(fixed, moving),
		MI:          mutualInformation(fixed, moving),
		NCC:         correlation(fixed, moving),
		EntropyDiff: math.Abs(entropy(fixed) - entropy(moving)),
		SSIM:        ssim(fixed, moving),
	}
}

func rmse(a, b []float64) float64 {
	return floats.Distance(a, b, 2) / math.Sqrt(float64(len(a)))
}

// correlation is zero when either input is constant.
func correlation(a, b []float64) float64 {
	if stat.Variance(a, nil) == 0 || stat.Variance(b, nil) == 0 {
		return 0
	}
	return stat.Correlation(a, b, nil)
}

func ssim(a, b []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	// Dynamic range of the reference intensities
	lo, hi := floats.Min(a), floats.Max(a)
	l := hi - lo
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(a, nil)
	muY := stat.Mean(b, nil)
	sigmaX := stat.Variance(a, nil)
	sigmaY := stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// binner maps intensities to qualityBins equal-width bins over [lo, hi].
type binner struct {
	lo, width float64
}

func newBinner(data []float64) (binner, bool) {
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return binner{}, false
	}
	return binner{lo: lo, width: (hi - lo) / qualityBins}, true
}

func (b binner) bin(v float64) int {
	i := int((v - b.lo) / b.width)
	if i >= qualityBins {
		i = qualityBins - 1
	} else if i < 0 {
		i = 0
	}
	return i
}

// entropy is the Shannon entropy of the intensity histogram in bits.
func entropy(data []float64) float64 {
	b, ok := newBinner(data)
	if !ok {
		return 0
	}
	p := make([]float64, qualityBins)
	for _, v := range data {
		p[b.bin(v)]++
	}
	floats.Scale(1/float64(len(data)), p)
	return stat.Entropy(p) / math.Ln2
}

// mutualInformation is H(A) + H(B) - H(A, B) from a joint histogram, in
// bits. It is zero when either input is constant.
func mutualInformation(a, b []float64) float64 {
	ba, okA := newBinner(a)
	bb, okB := newBinner(b)
	if !okA || !okB {
		return 0
	}
	joint := make([]float64, qualityBins*qualityBins)
	pa := make([]float64, qualityBins)
	pb := make([]float64, qualityBins)
	for i := range a {
		x, y := ba.bin(a[i]), bb.bin(b[i])
		joint[x*qualityBins+y]++
		pa[x]++
		pb[y]++
	}
	inv := 1 / float64(len(a))
	floats.Scale(inv, joint)
	floats.Scale(inv, pa)
	floats.Scale(inv, pb)
	mi := (stat.Entropy(pa) + stat.Entropy(pb) - stat.Entropy(joint)) / math.Ln2
	return math.Max(mi, 0)
}
