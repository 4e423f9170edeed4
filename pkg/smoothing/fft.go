package smoothing

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fftCache keeps one real FFT plan per sequence length. gonum plans are not
// safe for concurrent use, so each plan is guarded by its own mutex.
type fftCache struct {
	mu    sync.Mutex
	plans map[int]*plan
}

type plan struct {
	mu  sync.Mutex
	fft *fourier.FFT
}

var plans = &fftCache{plans: make(map[int]*plan)}

func (c *fftCache) get(n int) *plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[n]
	if !ok {
		p = &plan{fft: fourier.NewFFT(n)}
		c.plans[n] = p
	}
	return p
}

// gaussian1D filters seq in place with a Gaussian of standard deviation
// sigma (in samples). The sequence is mirror padded by 3 sigma on each side
// so the periodic transform does not wrap one edge into the other.
func gaussian1D(seq []float64, sigma float64) {
	n := len(seq)
	if n < 2 || sigma <= 0 {
		return
	}
	pad := int(math.Ceil(3 * sigma))
	total := n + 2*pad

	padded := make([]float64, total)
	for i := range padded {
		padded[i] = seq[reflect(i-pad, n)]
	}

	p := plans.get(total)
	p.mu.Lock()
	coeff := p.fft.Coefficients(nil, padded)
	// Transfer function of a sampled Gaussian: exp(-2 pi^2 sigma^2 f^2),
	// f in cycles per sample.
	for k := range coeff {
		f := float64(k) / float64(total)
		coeff[k] *= complex(math.Exp(-2*math.Pi*math.Pi*sigma*sigma*f*f), 0)
	}
	out := p.fft.Sequence(nil, coeff)
	p.mu.Unlock()

	// gonum's inverse transform is unnormalized.
	scale := 1 / float64(total)
	for i := 0; i < n; i++ {
		seq[i] = out[i+pad] * scale
	}
}

// reflect maps i onto [0, n) by mirroring about the end samples.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}
