package optimizer

import (
	"fmt"
	"math"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/stat"
)

// GradientDescent steps by LearningRate times the scaled gradient and stops
// when the recent metric values flatten out.
type GradientDescent struct {
	base

	LearningRate float64

	// Learning rate estimation sets the rate so one step moves the sample
	// points by at most MaximumStepSizeInPhysicalUnits, once at start or at
	// every iteration. A zero maximum is estimated by the scales estimator.
	DoEstimateLearningRateOnce            bool
	DoEstimateLearningRateAtEachIteration bool
	MaximumStepSizeInPhysicalUnits        float64

	MinimumConvergenceValue float64
	ConvergenceWindowSize   int

	monitor        *convergenceWindow
	estimateNext   bool
	convergenceVal float64
}

// NewGradientDescent returns a plain gradient descent with learning rate 1
// and a 50-value convergence window at 1e-8.
func NewGradientDescent(m Metric, logger *log.Logger) *GradientDescent {
	return &GradientDescent{
		base:                    newBase(m, logger, "gradient-descent"),
		LearningRate:            1,
		MinimumConvergenceValue: 1e-8,
		ConvergenceWindowSize:   50,
	}
}

// StartOptimization validates the configuration and runs from iteration
// zero with a fresh convergence window.
func (o *GradientDescent) StartOptimization() error { return o.start(o) }

// ResumeOptimization continues from the current iteration.
func (o *GradientDescent) ResumeOptimization() error {
	if o.Metric == nil {
		return fmt.Errorf("%w: no metric", ErrInvalidConfiguration)
	}
	if o.monitor == nil {
		o.monitor = newConvergenceWindow(o.ConvergenceWindowSize)
	}
	return o.resume(o)
}

// ConvergenceValue is the last value reported by the convergence window.
func (o *GradientDescent) ConvergenceValue() float64 { return o.convergenceVal }

func (o *GradientDescent) stepLength() float64 { return o.LearningRate }

func (o *GradientDescent) validate() error {
	if o.LearningRate <= 0 && !o.DoEstimateLearningRateOnce && !o.DoEstimateLearningRateAtEachIteration {
		return fmt.Errorf("%w: learning rate %g must be positive", ErrInvalidConfiguration, o.LearningRate)
	}
	if o.ConvergenceWindowSize < 2 {
		return fmt.Errorf("%w: convergence window size %d is below 2", ErrInvalidConfiguration, o.ConvergenceWindowSize)
	}
	if o.MaximumStepSizeInPhysicalUnits < 0 {
		return fmt.Errorf("%w: negative maximum step size %g", ErrInvalidConfiguration, o.MaximumStepSizeInPhysicalUnits)
	}
	if (o.DoEstimateLearningRateOnce || o.DoEstimateLearningRateAtEachIteration) && o.ScalesEstimator == nil {
		return fmt.Errorf("%w: learning rate estimation needs a scales estimator", ErrInvalidConfiguration)
	}
	return nil
}

func (o *GradientDescent) prepare() error {
	o.monitor = newConvergenceWindow(o.ConvergenceWindowSize)
	o.convergenceVal = math.MaxFloat64
	o.estimateNext = o.DoEstimateLearningRateOnce || o.DoEstimateLearningRateAtEachIteration
	if o.estimateNext && o.MaximumStepSizeInPhysicalUnits == 0 {
		step, err := o.ScalesEstimator.EstimateMaximumStepSize()
		if err != nil {
			return fmt.Errorf("optimizer: estimate maximum step size: %w", err)
		}
		o.MaximumStepSizeInPhysicalUnits = step
	}
	return nil
}

func (o *GradientDescent) converged(value float64) bool {
	o.monitor.add(value)
	o.convergenceVal = o.monitor.value()
	if o.convergenceVal <= o.MinimumConvergenceValue {
		o.halt(ConvergenceWindowMet, fmt.Sprintf("convergence checker passed at iteration %d: window value %g is at most %g",
			o.iteration, o.convergenceVal, o.MinimumConvergenceValue))
		return true
	}
	return false
}

func (o *GradientDescent) advanceOneStep() error {
	o.scaleGradient(nil)

	if o.estimateNext {
		if err := o.estimateLearningRate(); err != nil {
			o.halt(MetricError, err.Error())
			return err
		}
		o.estimateNext = o.DoEstimateLearningRateAtEachIteration
	}

	o.scaleInPlace(o.LearningRate)
	return o.update()
}

// estimateLearningRate sets the rate so the scaled gradient moves the
// sample points by the maximum physical step.
func (o *GradientDescent) estimateLearningRate() error {
	stepScale, err := o.ScalesEstimator.EstimateStepScale(o.gradient)
	if err != nil {
		return fmt.Errorf("optimizer: estimate learning rate: %w", err)
	}
	if stepScale <= math.SmallestNonzeroFloat64 {
		o.LearningRate = 1
	} else {
		o.LearningRate = o.MaximumStepSizeInPhysicalUnits / stepScale
	}
	o.log.Debug("learning rate", "rate", o.LearningRate, "stepScale", stepScale)
	return nil
}

// convergenceWindow keeps the last size metric values and reports the
// negated slope of a line fitted to them, with values divided by the
// largest magnitude in the window and positions spread over [0, 1]. The
// result is the relative decrease across the window.
type convergenceWindow struct {
	size   int
	values []float64
	xs     []float64
}

func newConvergenceWindow(size int) *convergenceWindow {
	xs := make([]float64, size)
	for i := range xs {
		xs[i] = float64(i) / float64(size-1)
	}
	return &convergenceWindow{size: size, xs: xs}
}

func (w *convergenceWindow) add(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.size {
		w.values = w.values[len(w.values)-w.size:]
	}
}

// value is MaxFloat64 until the window is full. A flat window reports 0.
func (w *convergenceWindow) value() float64 {
	if len(w.values) < w.size {
		return math.MaxFloat64
	}
	scale := 0.0
	for _, v := range w.values {
		scale = math.Max(scale, math.Abs(v))
	}
	if scale == 0 {
		return 0
	}
	ys := make([]float64, len(w.values))
	for i, v := range w.values {
		ys[i] = v / scale
	}
	_, slope := stat.LinearRegression(w.xs, ys, nil, false)
	return -slope
}
